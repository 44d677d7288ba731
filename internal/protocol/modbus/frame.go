// internal/protocol/modbus/frame.go
package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function codes
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10

	exceptionBit byte = 0x80
)

// Quantity limits per request
const (
	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteCoils     = 1968
	MaxWriteRegisters = 123
)

// Frame sizes
const (
	HeaderSize = 7
	MaxPDUSize = 253
	MaxADUSize = HeaderSize + MaxPDUSize
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Header is the MBAP header
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        byte
}

// EncodeADU prefixes pdu with an MBAP header
func EncodeADU(transactionID uint16, unitID byte, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 || len(pdu) > MaxPDUSize {
		return nil, fmt.Errorf("modbus: pdu length %d out of range 1..%d", len(pdu), MaxPDUSize)
	}

	raw := make([]byte, HeaderSize+len(pdu))
	binary.BigEndian.PutUint16(raw[0:], transactionID)
	binary.BigEndian.PutUint16(raw[2:], 0)
	binary.BigEndian.PutUint16(raw[4:], uint16(len(pdu)+1))
	raw[6] = unitID
	copy(raw[HeaderSize:], pdu)
	return raw, nil
}

// SplitFrame extracts the first complete ADU from buf. ok is false when more bytes
// are needed. err is set when the header cannot belong to a valid frame, in which
// case the buffer should be discarded.
func SplitFrame(buf []byte) (header Header, pdu []byte, rest []byte, ok bool, err error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, buf, false, nil
	}

	header = Header{
		TransactionID: binary.BigEndian.Uint16(buf[0:]),
		ProtocolID:    binary.BigEndian.Uint16(buf[2:]),
		Length:        binary.BigEndian.Uint16(buf[4:]),
		UnitID:        buf[6],
	}

	if header.ProtocolID != 0 {
		return header, nil, nil, false, fmt.Errorf("modbus: unexpected protocol id %d", header.ProtocolID)
	}
	if header.Length < 2 || int(header.Length) > MaxPDUSize+1 {
		return header, nil, nil, false, fmt.Errorf("modbus: invalid length field %d", header.Length)
	}

	total := HeaderSize - 1 + int(header.Length)
	if len(buf) < total {
		return Header{}, nil, buf, false, nil
	}

	pdu = make([]byte, total-HeaderSize)
	copy(pdu, buf[HeaderSize:total])
	return header, pdu, buf[total:], true, nil
}

// ReadRequest builds a read PDU for function codes 0x01-0x04
func ReadRequest(function byte, address, quantity uint16) ([]byte, error) {
	limit := MaxReadRegisters
	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		limit = MaxReadBits
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
	default:
		return nil, fmt.Errorf("modbus: function 0x%02X is not a read", function)
	}
	if err := checkQuantity(int(quantity), limit); err != nil {
		return nil, err
	}

	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	return pdu, nil
}

// WriteSingleCoilRequest builds a 0x05 PDU
func WriteSingleCoilRequest(address uint16, on bool) []byte {
	value := coilOff
	if on {
		value = coilOn
	}
	return addressValue(FuncWriteSingleCoil, address, value)
}

// WriteSingleRegisterRequest builds a 0x06 PDU
func WriteSingleRegisterRequest(address, value uint16) []byte {
	return addressValue(FuncWriteSingleRegister, address, value)
}

// WriteMultipleCoilsRequest builds a 0x0F PDU
func WriteMultipleCoilsRequest(address uint16, values []bool) ([]byte, error) {
	if err := checkQuantity(len(values), MaxWriteCoils); err != nil {
		return nil, err
	}

	packed := PackBits(values)
	pdu := make([]byte, 6, 6+len(packed))
	pdu[0] = FuncWriteMultipleCoils
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], uint16(len(values)))
	pdu[5] = byte(len(packed))
	return append(pdu, packed...), nil
}

// WriteMultipleRegistersRequest builds a 0x10 PDU
func WriteMultipleRegistersRequest(address uint16, values []uint16) ([]byte, error) {
	if err := checkQuantity(len(values), MaxWriteRegisters); err != nil {
		return nil, err
	}

	pdu := make([]byte, 6+2*len(values))
	pdu[0] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], uint16(len(values)))
	pdu[5] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(pdu[6+2*i:], v)
	}
	return pdu, nil
}

// CheckException returns an *Exception when pdu is an exception response to function
func CheckException(function byte, pdu []byte) error {
	if len(pdu) == 0 {
		return fmt.Errorf("modbus: empty response")
	}
	if pdu[0] == function|exceptionBit {
		if len(pdu) < 2 {
			return fmt.Errorf("modbus: truncated exception response")
		}
		return &Exception{Function: function, Code: ExceptionCode(pdu[1])}
	}
	if pdu[0] != function {
		return fmt.Errorf("modbus: response function 0x%02X does not match request 0x%02X", pdu[0], function)
	}
	return nil
}

// ParseReadBits decodes a 0x01/0x02 response into quantity booleans
func ParseReadBits(pdu []byte, quantity uint16) ([]bool, error) {
	data, err := readPayload(pdu)
	if err != nil {
		return nil, err
	}
	if len(data) < (int(quantity)+7)/8 {
		return nil, fmt.Errorf("modbus: %d data bytes cannot hold %d bits", len(data), quantity)
	}
	return UnpackBits(data, int(quantity)), nil
}

// ParseReadRegisters decodes a 0x03/0x04 response into quantity words
func ParseReadRegisters(pdu []byte, quantity uint16) ([]uint16, error) {
	data, err := readPayload(pdu)
	if err != nil {
		return nil, err
	}
	if len(data)%2 != 0 || len(data)/2 != int(quantity) {
		return nil, fmt.Errorf("modbus: expected %d registers, got %d bytes", quantity, len(data))
	}

	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return words, nil
}

// ParseAddressValue decodes the echoed address and value (or quantity) of a write response
func ParseAddressValue(pdu []byte) (address, value uint16, err error) {
	if len(pdu) != 5 {
		return 0, 0, fmt.Errorf("modbus: write response must be 5 bytes, got %d", len(pdu))
	}
	return binary.BigEndian.Uint16(pdu[1:]), binary.BigEndian.Uint16(pdu[3:]), nil
}

// PackBits packs booleans LSB first
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// UnpackBits expands count bits, LSB first
func UnpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out
}

// CoilValue decodes the 0xFF00/0x0000 encoding of a single coil
func CoilValue(v uint16) (bool, error) {
	switch v {
	case coilOn:
		return true, nil
	case coilOff:
		return false, nil
	default:
		return false, fmt.Errorf("modbus: invalid coil value 0x%04X", v)
	}
}

func readPayload(pdu []byte) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("modbus: truncated read response")
	}
	count := int(pdu[1])
	if len(pdu)-2 != count {
		return nil, fmt.Errorf("modbus: byte count %d does not match %d payload bytes", count, len(pdu)-2)
	}
	return pdu[2:], nil
}

func addressValue(function byte, address, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = function
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], value)
	return pdu
}

func checkQuantity(n, limit int) error {
	if n < 1 || n > limit {
		return &QuantityError{Quantity: n, Limit: limit}
	}
	return nil
}

// QuantityError reports a request quantity outside the protocol limits
type QuantityError struct {
	Quantity int
	Limit    int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("modbus: quantity %d out of range 1..%d", e.Quantity, e.Limit)
}
