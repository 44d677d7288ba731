// internal/protocol/codec/binary.go
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/spf13/cast"
)

// field is one element of a parsed format descriptor
type field struct {
	code byte
	size int
}

// Binary packs and unpacks fixed-layout records described by a format string
// such as ">HHf" or "<2i4x?". Records are packed without alignment padding.
// An empty format passes bytes through unchanged.
type Binary struct {
	format string
	order  binary.ByteOrder
	fields []field
	size   int

	mu     sync.Mutex
	buffer []byte
}

var fieldSizes = map[byte]int{
	'x': 1, 'c': 1, 'b': 1, 'B': 1, '?': 1,
	'h': 2, 'H': 2,
	'i': 4, 'I': 4, 'l': 4, 'L': 4,
	'q': 8, 'Q': 8,
	'f': 4, 'd': 8,
}

// NewBinary parses format and creates a binary codec
func NewBinary(format string) (*Binary, error) {
	b := &Binary{format: format, order: binary.NativeEndian}
	if format == "" {
		return b, nil
	}

	rest := format
	switch rest[0] {
	case '@', '=':
		rest = rest[1:]
	case '<':
		b.order = binary.LittleEndian
		rest = rest[1:]
	case '>', '!':
		b.order = binary.BigEndian
		rest = rest[1:]
	}

	for i := 0; i < len(rest); {
		j := i
		for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
			j++
		}
		count := 1
		if j > i {
			n, err := strconv.Atoi(rest[i:j])
			if err != nil {
				return nil, fmt.Errorf("invalid repeat count in format %q: %w", format, err)
			}
			count = n
		}
		if j >= len(rest) {
			return nil, fmt.Errorf("format %q ends with a repeat count", format)
		}

		code := rest[j]
		if code == ' ' {
			i = j + 1
			continue
		}
		size, ok := fieldSizes[code]
		if !ok {
			return nil, fmt.Errorf("unsupported format code %q in %q", code, format)
		}
		for k := 0; k < count; k++ {
			b.fields = append(b.fields, field{code: code, size: size})
			b.size += size
		}
		i = j + 1
	}

	if b.size == 0 {
		return nil, fmt.Errorf("format %q describes an empty record", format)
	}
	return b, nil
}

// Name returns "binary"
func (b *Binary) Name() string { return NameBinary }

// Format returns the format descriptor
func (b *Binary) Format() string { return b.format }

// Size returns the record size in bytes, 0 for passthrough
func (b *Binary) Size() int { return b.size }

// Encode packs v. A []interface{} supplies one value per field; a single value fills a one-field format.
func (b *Binary) Encode(v interface{}) ([]byte, error) {
	if b.size == 0 {
		return ToBytes(v)
	}
	switch t := v.(type) {
	case []interface{}:
		return b.Pack(t...)
	case []byte:
		if len(t) != b.size {
			return nil, fmt.Errorf("record must be %d bytes, got %d", b.size, len(t))
		}
		return t, nil
	default:
		return b.Pack(v)
	}
}

// Pack serializes values according to the format
func (b *Binary) Pack(values ...interface{}) ([]byte, error) {
	need := 0
	for _, f := range b.fields {
		if f.code != 'x' {
			need++
		}
	}
	if len(values) != need {
		return nil, fmt.Errorf("format %q requires %d values, got %d", b.format, need, len(values))
	}

	out := make([]byte, b.size)
	off, vi := 0, 0
	for _, f := range b.fields {
		if f.code == 'x' {
			off += f.size
			continue
		}
		if err := b.put(out[off:off+f.size], f.code, values[vi]); err != nil {
			return nil, fmt.Errorf("value %d: %w", vi, err)
		}
		off += f.size
		vi++
	}
	return out, nil
}

func (b *Binary) put(dst []byte, code byte, v interface{}) error {
	switch code {
	case 'c':
		switch t := v.(type) {
		case string:
			if len(t) != 1 {
				return fmt.Errorf("char field needs a single byte, got %q", t)
			}
			dst[0] = t[0]
			return nil
		case []byte:
			if len(t) != 1 {
				return fmt.Errorf("char field needs a single byte, got %d bytes", len(t))
			}
			dst[0] = t[0]
			return nil
		}
		n, err := cast.ToUint8E(v)
		if err != nil {
			return err
		}
		dst[0] = n
	case '?':
		flag, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		if flag {
			dst[0] = 1
		}
	case 'b', 'h', 'i', 'l', 'q':
		n, err := cast.ToInt64E(v)
		if err != nil {
			return err
		}
		bits := uint(len(dst) * 8)
		if bits < 64 && (n < -(1<<(bits-1)) || n > (1<<(bits-1))-1) {
			return fmt.Errorf("%d out of range for %q", n, code)
		}
		b.putUint(dst, uint64(n))
	case 'B', 'H', 'I', 'L', 'Q':
		n, err := cast.ToUint64E(v)
		if err != nil {
			return err
		}
		bits := uint(len(dst) * 8)
		if bits < 64 && n > (1<<bits)-1 {
			return fmt.Errorf("%d out of range for %q", n, code)
		}
		b.putUint(dst, n)
	case 'f':
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		b.order.PutUint32(dst, math.Float32bits(float32(f)))
	case 'd':
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return err
		}
		b.order.PutUint64(dst, math.Float64bits(f))
	}
	return nil
}

func (b *Binary) putUint(dst []byte, n uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(n)
	case 2:
		b.order.PutUint16(dst, uint16(n))
	case 4:
		b.order.PutUint32(dst, uint32(n))
	case 8:
		b.order.PutUint64(dst, n)
	}
}

// Unpack parses exactly one record
func (b *Binary) Unpack(data []byte) ([]interface{}, error) {
	if len(data) != b.size {
		return nil, fmt.Errorf("record must be %d bytes, got %d", b.size, len(data))
	}

	values := make([]interface{}, 0, len(b.fields))
	off := 0
	for _, f := range b.fields {
		src := data[off : off+f.size]
		off += f.size

		switch f.code {
		case 'x':
			continue
		case 'c', 'B':
			values = append(values, src[0])
		case 'b':
			values = append(values, int8(src[0]))
		case '?':
			values = append(values, src[0] != 0)
		case 'h':
			values = append(values, int16(b.order.Uint16(src)))
		case 'H':
			values = append(values, b.order.Uint16(src))
		case 'i', 'l':
			values = append(values, int32(b.order.Uint32(src)))
		case 'I', 'L':
			values = append(values, b.order.Uint32(src))
		case 'q':
			values = append(values, int64(b.order.Uint64(src)))
		case 'Q':
			values = append(values, b.order.Uint64(src))
		case 'f':
			values = append(values, math.Float32frombits(b.order.Uint32(src)))
		case 'd':
			values = append(values, math.Float64frombits(b.order.Uint64(src)))
		}
	}
	return values, nil
}

// Decode returns one []interface{} per complete record, or the raw chunk in passthrough mode
func (b *Binary) Decode(chunk []byte) []interface{} {
	if b.size == 0 {
		return Raw{}.Decode(chunk)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer = append(b.buffer, chunk...)

	var records []interface{}
	for len(b.buffer) >= b.size {
		values, err := b.Unpack(b.buffer[:b.size])
		if err == nil {
			records = append(records, values)
		}
		b.buffer = b.buffer[b.size:]
	}
	if len(b.buffer) == 0 {
		b.buffer = nil
	}
	return records
}

// Reset drops a buffered partial record
func (b *Binary) Reset() {
	b.mu.Lock()
	b.buffer = nil
	b.mu.Unlock()
}
