package model

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType is the declared type of a remote tag
type DataType int

const (
	// DataTypeInt is also the fallback for unknown or missing types
	DataTypeInt DataType = iota
	DataTypeFloat
	DataTypeBool
	DataTypeString
)

var dataTypeNames = map[DataType]string{
	DataTypeInt:    "int",
	DataTypeFloat:  "float",
	DataTypeBool:   "bool",
	DataTypeString: "string",
}

// ParseDataType maps the remote type name to a DataType. Unknown and empty
// names map to DataTypeInt.
func ParseDataType(name string) DataType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "float", "real", "double":
		return DataTypeFloat
	case "bool", "boolean":
		return DataTypeBool
	case "string":
		return DataTypeString
	default:
		return DataTypeInt
	}
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return "int"
}

// Quality is the confidence attached to every value sent to the sink
type Quality string

const (
	QualityGood      Quality = "good"
	QualityUncertain Quality = "uncertain"
	QualityBad       Quality = "bad"
	QualityError     Quality = "error"
	QualityCancelled Quality = "cancelled"
)

// ParseQuality maps the remote quality string. Absent quality means good.
func ParseQuality(s string) Quality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "good":
		return QualityGood
	case "uncertain":
		return QualityUncertain
	case "bad":
		return QualityBad
	case "error":
		return QualityError
	case "cancelled", "canceled":
		return QualityCancelled
	default:
		return QualityBad
	}
}

// Value is a tag value tagged with its data type. The zero Value is Int(0).
type Value struct {
	kind DataType
	i    int64
	f    float64
	b    bool
	s    string
}

func IntValue(v int64) Value { return Value{kind: DataTypeInt, i: v} }
func FloatValue(v float64) Value { return Value{kind: DataTypeFloat, f: v} }
func BoolValue(v bool) Value { return Value{kind: DataTypeBool, b: v} }
func StringValue(v string) Value { return Value{kind: DataTypeString, s: v} }
func (v Value) Type() DataType { return v.kind }

// Int returns the integer payload and whether the value is an Int
func (v Value) Int() (int64, bool) { return v.i, v.kind == DataTypeInt }

// Float returns the float payload and whether the value is a Float
func (v Value) Float() (float64, bool) { return v.f, v.kind == DataTypeFloat }

// Bool returns the bool payload and whether the value is a Bool
func (v Value) Bool() (bool, bool) { return v.b, v.kind == DataTypeBool }

// Str returns the string payload and whether the value is a String
func (v Value) Str() (string, bool) { return v.s, v.kind == DataTypeString }

// Interface returns the payload as a plain Go value, for serialization
func (v Value) Interface() interface{} {
	switch v.kind {
	case DataTypeFloat:
		return v.f
	case DataTypeBool:
		return v.b
	case DataTypeString:
		return v.s
	default:
		return v.i
	}
}

// String formats the payload the way the relay write form expects it
func (v Value) String() string {
	switch v.kind {
	case DataTypeFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case DataTypeBool:
		if v.b {
			return "1"
		}
		return "0"
	case DataTypeString:
		return v.s
	default:
		return strconv.FormatInt(v.i, 10)
	}
}

// Equal reports whether both values carry the same type and payload
func (v Value) Equal(o Value) bool {
	return v == o
}

// GoString is used by %#v in test failures
func (v Value) GoString() string {
	return fmt.Sprintf("%s(%v)", v.kind, v.Interface())
}
