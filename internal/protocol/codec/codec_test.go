package codec

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	for _, name := range []string{"", NameRaw, NameText, NameJSON, "JSON"} {
		c, err := New(name, Options{})
		require.NoError(t, err, name)
		assert.NotNil(t, c)
	}

	_, err := New("protobuf", Options{})
	assert.Error(t, err)

	_, err = New(NameBinary, Options{Format: ">Hz"})
	assert.Error(t, err)
}

func TestTextReassemblesPartialReads(t *testing.T) {
	c := NewText("")

	assert.Empty(t, c.Decode([]byte("hel")))
	assert.Equal(t, 3, c.Pending())

	frames := c.Decode([]byte("lo\nwor"))
	assert.Equal(t, []interface{}{"hello"}, frames)

	frames = c.Decode([]byte("ld\n\nagain\n"))
	assert.Equal(t, []interface{}{"world", "again"}, frames)
	assert.Zero(t, c.Pending())

	c.Decode([]byte("dangling"))
	c.Reset()
	assert.Zero(t, c.Pending())
}

func TestTextMultiByteDelimiter(t *testing.T) {
	c := NewText("\r\n")

	data, err := c.Encode("AT")
	require.NoError(t, err)
	assert.Equal(t, []byte("AT\r\n"), data)

	assert.Empty(t, c.Decode([]byte("OK\r")))
	assert.Equal(t, []interface{}{"OK"}, c.Decode([]byte("\n")))
}

func TestJSONRoundTrip(t *testing.T) {
	c := NewJSON("", nil)

	cases := []map[string]interface{}{
		{},
		{"name": "sensor-1", "value": 12.5, "ok": true},
		{"nested": map[string]interface{}{"list": []interface{}{1.0, "two", nil}}},
	}

	for _, in := range cases {
		data, err := c.Encode(in)
		require.NoError(t, err)

		frames := c.Decode(data)
		require.Len(t, frames, 1)
		assert.Equal(t, in, frames[0])
	}
}

func TestJSONInvalidYieldsEmptyObject(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewJSON("", zap.New(core))

	frames := c.Decode([]byte("{not json"))
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]interface{}{}, frames[0])
	assert.Equal(t, 1, logs.FilterMessage("Failed to decode json payload").Len())
}

func TestJSONNullYieldsWritableObject(t *testing.T) {
	c := NewJSON("", nil)

	obj := c.DecodeObject([]byte("null"))
	require.NotNil(t, obj)
	assert.Empty(t, obj)
	assert.NotPanics(t, func() { obj["k"] = 1 })
}

func TestJSONDelimited(t *testing.T) {
	c := NewJSON("\n", nil)

	data, err := c.Encode(map[string]interface{}{"a": 1.0})
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(data, []byte("\n")))

	frames := c.Decode(append(data, []byte(`{"b":2}`+"\n"+`{"c"`)...))
	require.Len(t, frames, 2)
	assert.Equal(t, map[string]interface{}{"a": 1.0}, frames[0])
	assert.Equal(t, map[string]interface{}{"b": 2.0}, frames[1])

	frames = c.Decode([]byte(":3}\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]interface{}{"c": 3.0}, frames[0])
}

func TestBinaryPackUnpack(t *testing.T) {
	c, err := NewBinary(">Hhx?f")
	require.NoError(t, err)
	assert.Equal(t, 10, c.Size())

	data, err := c.Pack(0x1234, -2, true, 1.5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x34, 0xFF, 0xFE, 0x00, 0x01, 0x3F, 0xC0, 0x00, 0x00}, data)

	values, err := c.Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{uint16(0x1234), int16(-2), true, float32(1.5)}, values)
}

func TestBinaryRepeatCountAndOrder(t *testing.T) {
	c, err := NewBinary("<2I")
	require.NoError(t, err)

	data, err := c.Encode([]interface{}{1, "2"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 2, 0, 0, 0}, data)

	_, err = c.Pack(1)
	assert.Error(t, err)

	_, err = c.Pack(1, -1)
	assert.Error(t, err)
}

func TestBinaryDecodeBuffersRecords(t *testing.T) {
	c, err := NewBinary("!H")
	require.NoError(t, err)

	assert.Empty(t, c.Decode([]byte{0x00}))
	records := c.Decode([]byte{0x05, 0x00, 0x06, 0x00})
	assert.Equal(t, []interface{}{
		[]interface{}{uint16(5)},
		[]interface{}{uint16(6)},
	}, records)

	c.Reset()
	assert.Empty(t, c.Decode([]byte{0x07}))
}

func TestBinaryPassthrough(t *testing.T) {
	c, err := NewBinary("")
	require.NoError(t, err)

	data, err := c.Encode([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, []interface{}{[]byte{1, 2, 3}}, c.Decode(data))
}

func TestToBytes(t *testing.T) {
	data, err := ToBytes(map[string]int{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(data))

	data, err = ToBytes(42)
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	_, err = ToBytes(nil)
	assert.Error(t, err)
}

func TestMaybeCompress(t *testing.T) {
	small := []byte("short")
	out, compressed := MaybeCompress(small)
	assert.False(t, compressed)
	assert.Equal(t, small, out)

	large := bytes.Repeat([]byte("plc-status;"), 200)
	out, compressed = MaybeCompress(large)
	require.True(t, compressed)
	assert.Less(t, len(out), len(large))

	restored, err := Decompress(out)
	require.NoError(t, err)
	assert.Equal(t, large, restored)
}

func TestScaleRegisters(t *testing.T) {
	scale := decimal.RequireFromString("0.1")
	offset := decimal.RequireFromString("-40")

	values := ScaleRegisters([]uint16{650, 0xFFF6}, scale, offset, true)
	require.Len(t, values, 2)
	assert.True(t, values[0].Equal(decimal.RequireFromString("25")))
	assert.True(t, values[1].Equal(decimal.RequireFromString("-41")))

	words, err := UnscaleValues(values, scale, offset, true)
	require.NoError(t, err)
	assert.Equal(t, []uint16{650, 0xFFF6}, words)

	_, err = UnscaleValues(values, decimal.Zero, offset, true)
	assert.Error(t, err)

	_, err = UnscaleValues([]decimal.Decimal{decimal.NewFromInt(70000)}, decimal.NewFromInt(1), decimal.Zero, false)
	assert.Error(t, err)
}
