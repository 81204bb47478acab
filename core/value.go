package core

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DataType is the logical type of a column.
type DataType byte

const (
	TypeBoolean   DataType = 1
	TypeInt32     DataType = 2
	TypeInt64     DataType = 3
	TypeUInt64    DataType = 4
	TypeFloat32   DataType = 5
	TypeFloat64   DataType = 6
	TypeString    DataType = 7
	TypeBinary    DataType = 8
	TypeTimestamp DataType = 9 // milliseconds since the unix epoch
)

var dataTypeNames = map[DataType]string{
	TypeBoolean:   "boolean",
	TypeInt32:     "int32",
	TypeInt64:     "int64",
	TypeUInt64:    "uint64",
	TypeFloat32:   "float32",
	TypeFloat64:   "float64",
	TypeString:    "string",
	TypeBinary:    "binary",
	TypeTimestamp: "timestamp",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	_, ok := dataTypeNames[t]
	return ok
}

// ParseDataType maps a type name (as produced by String) back to a DataType.
func ParseDataType(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range dataTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, &UnsupportedTypeError{Message: s}
}

// MarshalText lets DataType appear by name in JSON and YAML documents.
func (t DataType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, &UnsupportedTypeError{Message: t.String()}
	}
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(b []byte) error {
	parsed, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value is a single, possibly null, cell. The zero Value is null.
type Value struct {
	typ DataType
	i   int64
	u   uint64
	f   float64
	b   []byte
}

func NullValue() Value                  { return Value{} }
func BoolValue(v bool) Value            { return Value{typ: TypeBoolean, i: boolToInt(v)} }
func Int32Value(v int32) Value          { return Value{typ: TypeInt32, i: int64(v)} }
func Int64Value(v int64) Value          { return Value{typ: TypeInt64, i: v} }
func UInt64Value(v uint64) Value        { return Value{typ: TypeUInt64, u: v} }
func Float32Value(v float32) Value      { return Value{typ: TypeFloat32, f: float64(v)} }
func Float64Value(v float64) Value      { return Value{typ: TypeFloat64, f: v} }
func StringValue(v string) Value        { return Value{typ: TypeString, b: []byte(v)} }
func BinaryValue(v []byte) Value        { return Value{typ: TypeBinary, b: v} }
func TimestampValue(millis int64) Value { return Value{typ: TypeTimestamp, i: millis} }

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// Type returns the value's data type, or 0 for null.
func (v Value) Type() DataType { return v.typ }

func (v Value) IsNull() bool { return v.typ == 0 }

// Int64 returns integer-like values (int32, int64, timestamp).
func (v Value) Int64() (int64, bool) {
	switch v.typ {
	case TypeInt32, TypeInt64, TypeTimestamp:
		return v.i, true
	}
	return 0, false
}

func (v Value) Uint64() (uint64, bool) {
	if v.typ == TypeUInt64 {
		return v.u, true
	}
	return 0, false
}

func (v Value) Float64() (float64, bool) {
	switch v.typ {
	case TypeFloat32, TypeFloat64:
		return v.f, true
	}
	return 0, false
}

func (v Value) Bool() (bool, bool) {
	if v.typ == TypeBoolean {
		return v.i != 0, true
	}
	return false, false
}

func (v Value) Bytes() ([]byte, bool) {
	switch v.typ {
	case TypeString, TypeBinary:
		return v.b, true
	}
	return nil, false
}

func (v Value) Str() (string, bool) {
	if v.typ == TypeString {
		return string(v.b), true
	}
	return "", false
}

// Equal compares type and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case 0:
		return true
	case TypeUInt64:
		return v.u == o.u
	case TypeFloat32, TypeFloat64:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case TypeString, TypeBinary:
		return bytes.Equal(v.b, o.b)
	default:
		return v.i == o.i
	}
}

func (v Value) String() string {
	switch v.typ {
	case 0:
		return "NULL"
	case TypeBoolean:
		return strconv.FormatBool(v.i != 0)
	case TypeUInt64:
		return strconv.FormatUint(v.u, 10)
	case TypeFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case TypeFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return string(v.b)
	case TypeBinary:
		return fmt.Sprintf("%x", v.b)
	default:
		return strconv.FormatInt(v.i, 10)
	}
}

// Vector is a typed column of values.
type Vector struct {
	Type   DataType
	Values []Value
}

func NewVector(t DataType, values ...Value) Vector {
	return Vector{Type: t, Values: values}
}

// NullVector returns n nulls of type t.
func NullVector(t DataType, n int) Vector {
	return Vector{Type: t, Values: make([]Value, n)}
}

func Int64Vector(vs ...int64) Vector {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Int64Value(v)
	}
	return Vector{Type: TypeInt64, Values: out}
}

func TimestampVector(vs ...int64) Vector {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = TimestampValue(v)
	}
	return Vector{Type: TypeTimestamp, Values: out}
}

func UInt64Vector(vs ...uint64) Vector {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = UInt64Value(v)
	}
	return Vector{Type: TypeUInt64, Values: out}
}

func Float64Vector(vs ...float64) Vector {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Float64Value(v)
	}
	return Vector{Type: TypeFloat64, Values: out}
}

func StringVector(vs ...string) Vector {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = StringValue(v)
	}
	return Vector{Type: TypeString, Values: out}
}

func BoolVector(vs ...bool) Vector {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = BoolValue(v)
	}
	return Vector{Type: TypeBoolean, Values: out}
}

func (v Vector) Len() int { return len(v.Values) }

func (v Vector) Get(i int) Value { return v.Values[i] }

func (v Vector) NullCount() int {
	n := 0
	for _, val := range v.Values {
		if val.IsNull() {
			n++
		}
	}
	return n
}
