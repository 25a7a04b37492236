package serialization

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the algorithm used by Compressed
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// maxDecompressedSize caps inflated payloads
const maxDecompressedSize = 64 << 20

// ParseCompression maps a config string to a Compression
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	})
)

// Compressed wraps codec so its payload is compressed on the wire.
// CompressionNone returns codec unchanged.
func Compressed(codec Codec, algo Compression) Codec {
	if algo == CompressionNone || algo == "" {
		return codec
	}
	return &compressedCodec{inner: codec, algo: algo}
}

type compressedCodec struct {
	inner Codec
	algo  Compression
}

func (c *compressedCodec) Encode(msg any) ([]byte, error) {
	raw, err := c.inner.Encode(msg)
	if err != nil {
		return nil, err
	}

	switch c.algo {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c.algo)
	}
}

func (c *compressedCodec) Decode(data []byte) (any, error) {
	var raw []byte

	switch c.algo {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		raw, err = io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if len(raw) > maxDecompressedSize {
			return nil, fmt.Errorf("gzip: payload exceeds %d bytes", maxDecompressedSize)
		}
	case CompressionZstd:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		raw, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression %q", c.algo)
	}

	return c.inner.Decode(raw)
}
