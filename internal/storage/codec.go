package storage

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic, per RFC 8878.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ZstdCodec compresses values at rest. Decode passes through values that do
// not carry the zstd magic, so enabling compression on an existing room keeps
// its plain files readable.
type ZstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCodec builds a codec with default compression settings.
func NewZstdCodec() (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ZstdCodec{enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Encode(plain []byte) ([]byte, error) {
	return c.enc.EncodeAll(plain, nil), nil
}

func (c *ZstdCodec) Decode(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, zstdMagic) {
		return stored, nil
	}
	plain, err := c.dec.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return plain, nil
}
