// Package codec converts raw Modbus register words to calibrated physical
// values and back. It is pure: no I/O, no shared state.
package codec

import (
	"fmt"
	"math"

	"github.com/SSAher3499/ecofarmlogix-engine/internal/model"
)

// DecodeError marks a configuration fault (word count or byte order does not
// match the data type). It is reported, never retried.
type DecodeError struct {
	DataType  model.DataType
	ByteOrder model.ByteOrder
	Words     int
	Reason    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: %s (data_type=%s byte_order=%s words=%d)",
		e.Reason, e.DataType, e.ByteOrder, e.Words)
}

// Width returns the number of 16-bit registers the data type occupies.
func Width(dt model.DataType) (int, error) {
	switch dt {
	case model.Int16, model.Uint16:
		return 1, nil
	case model.Int32, model.Uint32, model.Float32:
		return 2, nil
	default:
		return 0, &DecodeError{DataType: dt, Reason: "unsupported data type"}
	}
}

// Byte permutations mapping wire bytes onto big-endian value bytes. Registers
// arrive as big-endian words ("AB" / "ABCD" is the identity). All supported
// orders are involutions, so the same table serves encode and decode.
var (
	perm16 = map[model.ByteOrder][]int{
		model.OrderAB: {0, 1},
		model.OrderBA: {1, 0},
	}
	perm32 = map[model.ByteOrder][]int{
		model.OrderABCD: {0, 1, 2, 3},
		model.OrderDCBA: {3, 2, 1, 0},
		model.OrderCDAB: {2, 3, 0, 1},
		model.OrderBADC: {1, 0, 3, 2},
	}
)

func permutation(dt model.DataType, bo model.ByteOrder) ([]int, error) {
	w, err := Width(dt)
	if err != nil {
		return nil, err
	}
	var p []int
	var ok bool
	if w == 1 {
		p, ok = perm16[bo]
	} else {
		p, ok = perm32[bo]
	}
	if !ok {
		return nil, &DecodeError{DataType: dt, ByteOrder: bo, Reason: "byte order not valid for data type"}
	}
	return p, nil
}

// Decode reinterprets raw register words as the target type and returns the
// uncalibrated value as float64. The word count must match the data type's
// width exactly.
func Decode(words []uint16, dt model.DataType, bo model.ByteOrder) (float64, error) {
	w, err := Width(dt)
	if err != nil {
		return 0, err
	}
	if len(words) != w {
		return 0, &DecodeError{DataType: dt, ByteOrder: bo, Words: len(words), Reason: "word count does not match data type width"}
	}
	p, err := permutation(dt, bo)
	if err != nil {
		return 0, err
	}

	wire := wireBytes(words)
	val := make([]byte, len(wire))
	for i := range p {
		val[i] = wire[p[i]]
	}

	switch dt {
	case model.Uint16:
		return float64(uint16(val[0])<<8 | uint16(val[1])), nil
	case model.Int16:
		return float64(int16(uint16(val[0])<<8 | uint16(val[1]))), nil
	case model.Uint32:
		return float64(be32(val)), nil
	case model.Int32:
		return float64(int32(be32(val))), nil
	case model.Float32:
		return float64(math.Float32frombits(be32(val))), nil
	}
	return 0, &DecodeError{DataType: dt, Reason: "unsupported data type"}
}

// Encode converts an uncalibrated value into register words for a holding
// register write. Integer values out of the type's range are rejected.
func Encode(value float64, dt model.DataType, bo model.ByteOrder) ([]uint16, error) {
	p, err := permutation(dt, bo)
	if err != nil {
		return nil, err
	}

	var val []byte
	switch dt {
	case model.Uint16:
		if value < 0 || value > math.MaxUint16 {
			return nil, fmt.Errorf("codec: value %g out of range for %s", value, dt)
		}
		u := uint16(value)
		val = []byte{byte(u >> 8), byte(u)}
	case model.Int16:
		if value < math.MinInt16 || value > math.MaxInt16 {
			return nil, fmt.Errorf("codec: value %g out of range for %s", value, dt)
		}
		u := uint16(int16(value))
		val = []byte{byte(u >> 8), byte(u)}
	case model.Uint32:
		if value < 0 || value > math.MaxUint32 {
			return nil, fmt.Errorf("codec: value %g out of range for %s", value, dt)
		}
		val = be32bytes(uint32(value))
	case model.Int32:
		if value < math.MinInt32 || value > math.MaxInt32 {
			return nil, fmt.Errorf("codec: value %g out of range for %s", value, dt)
		}
		val = be32bytes(uint32(int32(value)))
	case model.Float32:
		val = be32bytes(math.Float32bits(float32(value)))
	default:
		return nil, &DecodeError{DataType: dt, Reason: "unsupported data type"}
	}

	wire := make([]byte, len(val))
	for i := range p {
		wire[p[i]] = val[i]
	}
	return wordsOf(wire), nil
}

// Calibrate applies scale, offset and rounding to a raw decoded value:
// round(raw*scale+offset) half away from zero at the given decimal places.
func Calibrate(raw, scale, offset float64, decimals int) float64 {
	v := raw*scale + offset
	factor := math.Pow(10, float64(decimals))
	return math.Round(v*factor) / factor
}

// DecodeReading decodes and calibrates one sensor read in a single step.
func DecodeReading(words []uint16, s *model.Sensor) (float64, error) {
	raw, err := Decode(words, s.DataType, s.ByteOrder)
	if err != nil {
		return 0, err
	}
	scale := s.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	return Calibrate(raw, scale, s.Offset, s.DecimalPlaces), nil
}

func wireBytes(words []uint16) []byte {
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = append(out, byte(w>>8), byte(w))
	}
	return out
}

func wordsOf(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return out
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be32bytes(u uint32) []byte {
	return []byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}
}
