package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTPServer(t *testing.T, cfg HTTPConfig) *HTTPServer {
	t.Helper()
	return NewHTTP(cfg, newTestHandler(t), nil, NewMetrics(), nil)
}

func doJSON(t *testing.T, srv *HTTPServer, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHTTPHealthAndRoot(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "masc", body["server"])

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "masc 1.0.0", w.Body.String())
}

func TestHTTPMCPRoundTrip(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	w := doJSON(t, srv, `{"jsonrpc": "2.0", "id": 1, "method": "ping"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.Equal(t, float64(1), resp["id"])
}

func TestHTTPSessionHeader(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	// Absent header: the server mints a session id and echoes it.
	w := doJSON(t, srv, `{"jsonrpc": "2.0", "id": 1, "method": "ping"}`, nil)
	minted := w.Header().Get(SessionHeader)
	assert.NotEmpty(t, minted)

	// Provided header: echoed unchanged.
	w = doJSON(t, srv, `{"jsonrpc": "2.0", "id": 2, "method": "ping"}`,
		map[string]string{SessionHeader: "client-session-7"})
	assert.Equal(t, "client-session-7", w.Header().Get(SessionHeader))
}

func TestHTTPNotificationAccepted(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	w := doJSON(t, srv, `{"jsonrpc": "2.0", "method": "notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHTTPBodyLimit(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{MaxBodyBytes: 256})

	big := `{"jsonrpc": "2.0", "id": 1, "method": "ping", "params": {"pad": "` +
		strings.Repeat("x", 1024) + `"}}`
	w := doJSON(t, srv, big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "256")

	w = doJSON(t, srv, `{"jsonrpc": "2.0", "id": 2, "method": "ping"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPCORSAndOptions(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), SessionHeader)

	// CORS headers ride on error responses too.
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHTTPMetrics(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	doJSON(t, srv, `{"jsonrpc": "2.0", "id": 1, "method": "ping"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "masc_http_requests_total")
	assert.Contains(t, body, "masc_mcp_requests_total 1")
	assert.Contains(t, body, "masc_event_subscribers 0")
}

func TestHTTPZstdNegotiation(t *testing.T) {
	srv := newTestHTTPServer(t, HTTPConfig{})

	w := doJSON(t, srv, `{"jsonrpc": "2.0", "id": 1, "method": "ping"}`,
		map[string]string{"Accept-Encoding": "gzip, zstd;q=0.9"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "zstd", w.Header().Get("Content-Encoding"))
	assert.Contains(t, w.Header().Values("Vary"), "Accept-Encoding")

	dec, err := zstd.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer dec.Close()
	plain, err := decodeAll(dec)
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(plain, &resp))
	assert.Equal(t, float64(1), resp["id"])

	// No Accept-Encoding: identity body.
	w = doJSON(t, srv, `{"jsonrpc": "2.0", "id": 2, "method": "ping"}`, nil)
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
}

func decodeAll(dec *zstd.Decoder) ([]byte, error) {
	var out bytes.Buffer
	_, err := out.ReadFrom(dec)
	return out.Bytes(), err
}

func TestAcceptsZstd(t *testing.T) {
	assert.True(t, acceptsZstd("zstd"))
	assert.True(t, acceptsZstd("gzip, zstd"))
	assert.True(t, acceptsZstd("zstd;q=0.5"))
	assert.True(t, acceptsZstd("zstd-d"))
	assert.False(t, acceptsZstd(""))
	assert.False(t, acceptsZstd("gzip, br"))
	assert.False(t, acceptsZstd("zstandard"))
}
