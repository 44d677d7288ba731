// internal/protocol/codec/codec.go
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Codec names accepted by New
const (
	NameRaw    = "raw"
	NameText   = "text"
	NameJSON   = "json"
	NameBinary = "binary"
)

// Codec transforms payloads to bytes and reassembles received chunks into frames.
// Stateful codecs keep the incomplete tail of a chunk until the next Decode.
type Codec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(chunk []byte) []interface{}
	Reset()
}

// Options configures a codec
type Options struct {
	Delimiter string
	Format    string
	Logger    *zap.Logger
}

// New creates a codec by name
func New(name string, opts Options) (Codec, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(name) {
	case NameRaw, "":
		return Raw{}, nil
	case NameText:
		return NewText(opts.Delimiter), nil
	case NameJSON:
		return NewJSON(opts.Delimiter, logger), nil
	case NameBinary:
		return NewBinary(opts.Format)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", name)
	}
}

// Raw passes bytes through unchanged
type Raw struct{}

// Name returns "raw"
func (Raw) Name() string { return NameRaw }

// Encode converts common payload types to bytes
func (Raw) Encode(v interface{}) ([]byte, error) {
	return ToBytes(v)
}

// Decode returns the chunk as a single frame
func (Raw) Decode(chunk []byte) []interface{} {
	if len(chunk) == 0 {
		return nil
	}
	frame := make([]byte, len(chunk))
	copy(frame, chunk)
	return []interface{}{frame}
}

// Reset is a no-op
func (Raw) Reset() {}

// ToBytes renders a payload as bytes: byte slices and strings as-is,
// maps, slices and structs as JSON, everything else via fmt.
func ToBytes(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil payload")
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case json.RawMessage:
		return t, nil
	case fmt.Stringer:
		return []byte(t.String()), nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return []byte(fmt.Sprint(t)), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return data, nil
	}
}
