package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errShortValue = errors.New("value encoding truncated")

// AppendValue appends a self-describing encoding of v: a type tag (0 for
// null) followed by the payload.
func AppendValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.typ))
	switch v.typ {
	case 0:
	case TypeBoolean:
		dst = append(dst, byte(v.i))
	case TypeInt32, TypeInt64, TypeTimestamp:
		dst = binary.AppendVarint(dst, v.i)
	case TypeUInt64:
		dst = binary.AppendUvarint(dst, v.u)
	case TypeFloat32:
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.f)))
	case TypeFloat64:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.f))
	case TypeString, TypeBinary:
		dst = binary.AppendUvarint(dst, uint64(len(v.b)))
		dst = append(dst, v.b...)
	}
	return dst
}

// DecodeValue decodes one value written by AppendValue and returns the
// number of bytes consumed.
func DecodeValue(src []byte) (Value, int, error) {
	if len(src) == 0 {
		return Value{}, 0, errShortValue
	}
	typ := DataType(src[0])
	pos := 1
	switch typ {
	case 0:
		return Value{}, pos, nil
	case TypeBoolean:
		if len(src) < 2 {
			return Value{}, 0, errShortValue
		}
		return Value{typ: typ, i: int64(src[1])}, 2, nil
	case TypeInt32, TypeInt64, TypeTimestamp:
		v, n := binary.Varint(src[pos:])
		if n <= 0 {
			return Value{}, 0, errShortValue
		}
		return Value{typ: typ, i: v}, pos + n, nil
	case TypeUInt64:
		v, n := binary.Uvarint(src[pos:])
		if n <= 0 {
			return Value{}, 0, errShortValue
		}
		return Value{typ: typ, u: v}, pos + n, nil
	case TypeFloat32:
		if len(src) < pos+4 {
			return Value{}, 0, errShortValue
		}
		f := math.Float32frombits(binary.LittleEndian.Uint32(src[pos:]))
		return Value{typ: typ, f: float64(f)}, pos + 4, nil
	case TypeFloat64:
		if len(src) < pos+8 {
			return Value{}, 0, errShortValue
		}
		return Value{typ: typ, f: math.Float64frombits(binary.LittleEndian.Uint64(src[pos:]))}, pos + 8, nil
	case TypeString, TypeBinary:
		l, n := binary.Uvarint(src[pos:])
		if n <= 0 || uint64(len(src)-pos-n) < l {
			return Value{}, 0, errShortValue
		}
		pos += n
		b := make([]byte, l)
		copy(b, src[pos:pos+int(l)])
		return Value{typ: typ, b: b}, pos + int(l), nil
	default:
		return Value{}, 0, &UnsupportedTypeError{Message: fmt.Sprintf("type tag %d", typ)}
	}
}

// AppendRow encodes a slice of values back to back.
func AppendRow(dst []byte, values []Value) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(values)))
	for _, v := range values {
		dst = AppendValue(dst, v)
	}
	return dst
}

// DecodeRow is the inverse of AppendRow.
func DecodeRow(src []byte) ([]Value, int, error) {
	count, pos := binary.Uvarint(src)
	if pos <= 0 {
		return nil, 0, errShortValue
	}
	if count > uint64(len(src)) {
		return nil, 0, errShortValue
	}
	values := make([]Value, count)
	for i := range values {
		v, n, err := DecodeValue(src[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("column %d: %w", i, err)
		}
		values[i] = v
		pos += n
	}
	return values, pos, nil
}

const (
	keyNullMarker    byte = 0x00
	keyNotNullMarker byte = 0x01
	keyEscape        byte = 0x00
	keyEscaped0      byte = 0xFF
	keyTerminator    byte = 0x01
)

// AppendKeyValue appends an order-preserving encoding of v, so that the byte
// order of two encoded keys equals the logical order of their values. Nulls
// sort before every non-null value.
func AppendKeyValue(dst []byte, v Value) []byte {
	if v.IsNull() {
		return append(dst, keyNullMarker)
	}
	dst = append(dst, keyNotNullMarker)
	switch v.typ {
	case TypeBoolean:
		dst = append(dst, byte(v.i))
	case TypeInt32, TypeInt64, TypeTimestamp:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.i)^(1<<63))
	case TypeUInt64:
		dst = binary.BigEndian.AppendUint64(dst, v.u)
	case TypeFloat32, TypeFloat64:
		bits := math.Float64bits(v.f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = binary.BigEndian.AppendUint64(dst, bits)
	case TypeString, TypeBinary:
		for _, c := range v.b {
			if c == keyEscape {
				dst = append(dst, keyEscape, keyEscaped0)
				continue
			}
			dst = append(dst, c)
		}
		dst = append(dst, keyEscape, keyTerminator)
	}
	return dst
}

// EncodeKey encodes the given key values in order.
func EncodeKey(dst []byte, values ...Value) []byte {
	for _, v := range values {
		dst = AppendKeyValue(dst, v)
	}
	return dst
}
