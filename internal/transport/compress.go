package transport

import (
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// encoder is shared; EncodeAll on a nil-writer encoder is concurrency-safe.
var encoder, _ = zstd.NewWriter(nil)

// acceptsZstd reports whether the Accept-Encoding header admits zstd
// (including the dictionary-aware zstd-d variant).
func acceptsZstd(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		enc := strings.TrimSpace(part)
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			enc = strings.TrimSpace(enc[:i])
		}
		if enc == "zstd" || enc == "zstd-d" {
			return true
		}
	}
	return false
}

// writeNegotiated writes body with the given content type, zstd-compressed
// when the client advertised support. Vary is always set so caches keyed
// on the URL do not mix encodings.
func writeNegotiated(w http.ResponseWriter, r *http.Request, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Add("Vary", "Accept-Encoding")
	if acceptsZstd(r.Header.Get("Accept-Encoding")) {
		w.Header().Set("Content-Encoding", "zstd")
		w.WriteHeader(status)
		_, _ = w.Write(encoder.EncodeAll(body, nil))
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
