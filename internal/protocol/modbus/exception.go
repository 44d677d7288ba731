// internal/protocol/modbus/exception.go
package modbus

import "fmt"

// ExceptionCode is the byte following an exception function code
type ExceptionCode byte

const (
	ExceptionIllegalFunction        ExceptionCode = 0x01
	ExceptionIllegalDataAddress     ExceptionCode = 0x02
	ExceptionIllegalDataValue       ExceptionCode = 0x03
	ExceptionSlaveDeviceFailure     ExceptionCode = 0x04
	ExceptionAcknowledge            ExceptionCode = 0x05
	ExceptionSlaveDeviceBusy        ExceptionCode = 0x06
	ExceptionMemoryParityError      ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable ExceptionCode = 0x0A
	ExceptionGatewayTargetFailed    ExceptionCode = 0x0B
)

var exceptionNames = map[ExceptionCode]string{
	ExceptionIllegalFunction:        "illegal function",
	ExceptionIllegalDataAddress:     "illegal data address",
	ExceptionIllegalDataValue:       "illegal data value",
	ExceptionSlaveDeviceFailure:     "slave device failure",
	ExceptionAcknowledge:            "acknowledge",
	ExceptionSlaveDeviceBusy:        "slave device busy",
	ExceptionMemoryParityError:      "memory parity error",
	ExceptionGatewayPathUnavailable: "gateway path unavailable",
	ExceptionGatewayTargetFailed:    "gateway target device failed to respond",
}

// String returns the human-readable reason
func (c ExceptionCode) String() string {
	if name, ok := exceptionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown exception 0x%02X", byte(c))
}

// Exception is a decoded exception response
type Exception struct {
	Function byte
	Code     ExceptionCode
}

func (e *Exception) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X", byte(e.Code), e.Code, e.Function)
}
