// internal/protocol/codec/text.go
package codec

import (
	"bytes"
	"sync"
)

// Text frames UTF-8 strings with a delimiter
type Text struct {
	delimiter []byte

	mu     sync.Mutex
	buffer []byte
}

// NewText creates a text codec; an empty delimiter means "\n"
func NewText(delimiter string) *Text {
	if delimiter == "" {
		delimiter = "\n"
	}
	return &Text{delimiter: []byte(delimiter)}
}

// Name returns "text"
func (t *Text) Name() string { return NameText }

// Delimiter returns the frame delimiter
func (t *Text) Delimiter() string { return string(t.delimiter) }

// Encode appends the delimiter to the rendered payload
func (t *Text) Encode(v interface{}) ([]byte, error) {
	data, err := ToBytes(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+len(t.delimiter))
	out = append(out, data...)
	return append(out, t.delimiter...), nil
}

// Decode returns every complete line as a string and keeps the remainder
func (t *Text) Decode(chunk []byte) []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buffer = append(t.buffer, chunk...)

	var frames []interface{}
	for {
		idx := bytes.Index(t.buffer, t.delimiter)
		if idx < 0 {
			break
		}
		if idx > 0 {
			frames = append(frames, string(t.buffer[:idx]))
		}
		t.buffer = t.buffer[idx+len(t.delimiter):]
	}

	if len(t.buffer) == 0 {
		t.buffer = nil
	}
	return frames
}

// Pending returns the number of buffered bytes awaiting a delimiter
func (t *Text) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Reset drops the carry-over buffer
func (t *Text) Reset() {
	t.mu.Lock()
	t.buffer = nil
	t.mu.Unlock()
}
