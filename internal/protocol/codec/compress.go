// internal/protocol/codec/compress.go
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressionThreshold is the smallest payload MaybeCompress will try to shrink
const CompressionThreshold = 1024

// Compress deflates data in zlib format
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates zlib data
func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed payload: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

// MaybeCompress compresses payloads larger than CompressionThreshold and keeps
// the result only when it is smaller than the input
func MaybeCompress(data []byte) ([]byte, bool) {
	if len(data) <= CompressionThreshold {
		return data, false
	}
	compressed, err := Compress(data)
	if err != nil || len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}
