// internal/protocol/codec/json.go
package codec

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// JSON encodes objects as JSON documents. Without a delimiter every chunk is one
// document; with one, documents are split like text lines.
type JSON struct {
	logger *zap.Logger
	framer *Text
}

// NewJSON creates a JSON codec
func NewJSON(delimiter string, logger *zap.Logger) *JSON {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &JSON{logger: logger.With(zap.String("codec", NameJSON))}
	if delimiter != "" {
		c.framer = NewText(delimiter)
	}
	return c
}

// Name returns "json"
func (c *JSON) Name() string { return NameJSON }

// Encode marshals v. Strings and byte slices are assumed to already hold JSON.
func (c *JSON) Encode(v interface{}) ([]byte, error) {
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		var err error
		data, err = c.EncodeObject(v)
		if err != nil {
			return nil, err
		}
	}

	if c.framer != nil {
		out := make([]byte, 0, len(data)+len(c.framer.delimiter))
		out = append(out, data...)
		return append(out, c.framer.delimiter...), nil
	}
	return data, nil
}

// EncodeObject marshals v without framing
func (c *JSON) EncodeObject(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}

// DecodeObject parses one document. Invalid input yields an empty object and a warning.
func (c *JSON) DecodeObject(data []byte) map[string]interface{} {
	obj := make(map[string]interface{})
	if err := json.Unmarshal(data, &obj); err != nil {
		c.logger.Warn("Failed to decode json payload",
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		return map[string]interface{}{}
	}
	if obj == nil {
		// "null" decodes without error into a nil map
		return map[string]interface{}{}
	}
	return obj
}

// Decode returns one object per document
func (c *JSON) Decode(chunk []byte) []interface{} {
	if c.framer == nil {
		if len(chunk) == 0 {
			return nil
		}
		return []interface{}{c.DecodeObject(chunk)}
	}

	var out []interface{}
	for _, frame := range c.framer.Decode(chunk) {
		out = append(out, c.DecodeObject([]byte(frame.(string))))
	}
	return out
}

// Reset drops buffered partial documents
func (c *JSON) Reset() {
	if c.framer != nil {
		c.framer.Reset()
	}
}
