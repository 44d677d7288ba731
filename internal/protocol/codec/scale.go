// internal/protocol/codec/scale.go
package codec

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ScaleRegisters converts raw register words to engineering units: raw*scale + offset.
// With signed set, words are read as two's complement int16.
func ScaleRegisters(words []uint16, scale, offset decimal.Decimal, signed bool) []decimal.Decimal {
	out := make([]decimal.Decimal, len(words))
	for i, w := range words {
		raw := int64(w)
		if signed {
			raw = int64(int16(w))
		}
		out[i] = decimal.NewFromInt(raw).Mul(scale).Add(offset)
	}
	return out
}

// UnscaleValues converts engineering values back to register words, rounding to
// the nearest integer: (value - offset) / scale
func UnscaleValues(values []decimal.Decimal, scale, offset decimal.Decimal, signed bool) ([]uint16, error) {
	if scale.IsZero() {
		return nil, fmt.Errorf("scale must not be zero")
	}

	minRaw, maxRaw := int64(0), int64(0xFFFF)
	if signed {
		minRaw, maxRaw = -0x8000, 0x7FFF
	}

	out := make([]uint16, len(values))
	for i, v := range values {
		raw := v.Sub(offset).Div(scale).Round(0).IntPart()
		if raw < minRaw || raw > maxRaw {
			return nil, fmt.Errorf("value %s at index %d does not fit in a register", v.String(), i)
		}
		out[i] = uint16(raw)
	}
	return out, nil
}
