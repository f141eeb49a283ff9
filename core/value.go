package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// DataType identifies the declared type of a series' values.
type DataType byte

const (
	DataTypeNil    DataType = 0x00
	DataTypeFloat  DataType = 0x01
	DataTypeInt    DataType = 0x02
	DataTypeString DataType = 0x03
	DataTypeBool   DataType = 0x04
)

func (dt DataType) String() string {
	switch dt {
	case DataTypeFloat:
		return "float"
	case DataTypeInt:
		return "int"
	case DataTypeString:
		return "string"
	case DataTypeBool:
		return "bool"
	case DataTypeNil:
		return "nil"
	default:
		return "unknown"
	}
}

// Value holds one typed series value. The zero Value is the nil value.
type Value struct {
	typ DataType
	f   float64
	i   int64
	b   bool
	s   string
}

func NewFloatValue(v float64) Value  { return Value{typ: DataTypeFloat, f: v} }
func NewIntValue(v int64) Value      { return Value{typ: DataTypeInt, i: v} }
func NewStringValue(v string) Value  { return Value{typ: DataTypeString, s: v} }
func NewBoolValue(v bool) Value      { return Value{typ: DataTypeBool, b: v} }

func (v Value) Type() DataType { return v.typ }
func (v Value) IsNil() bool    { return v.typ == DataTypeNil }

func (v Value) Float() (float64, bool) { return v.f, v.typ == DataTypeFloat }
func (v Value) Int() (int64, bool)     { return v.i, v.typ == DataTypeInt }
func (v Value) Str() (string, bool)    { return v.s, v.typ == DataTypeString }
func (v Value) Bool() (bool, bool)     { return v.b, v.typ == DataTypeBool }

func (v Value) String() string {
	switch v.typ {
	case DataTypeFloat:
		return fmt.Sprintf("%g", v.f)
	case DataTypeInt:
		return fmt.Sprintf("%d", v.i)
	case DataTypeString:
		return v.s
	case DataTypeBool:
		return fmt.Sprintf("%t", v.b)
	default:
		return "<nil>"
	}
}

// Encode serializes the value as a type byte followed by the type-specific
// payload, BigEndian throughout. Strings are uint16 length-prefixed.
func (v Value) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{byte(v.typ)}); err != nil {
		return fmt.Errorf("failed to write value type: %w", err)
	}
	switch v.typ {
	case DataTypeNil:
		return nil
	case DataTypeFloat:
		return binary.Write(w, binary.BigEndian, math.Float64bits(v.f))
	case DataTypeInt:
		return binary.Write(w, binary.BigEndian, v.i)
	case DataTypeBool:
		var b byte
		if v.b {
			b = 1
		}
		_, err := w.Write([]byte{b})
		return err
	case DataTypeString:
		sb := []byte(v.s)
		if err := binary.Write(w, binary.BigEndian, uint16(len(sb))); err != nil {
			return fmt.Errorf("failed to write string length: %w", err)
		}
		_, err := w.Write(sb)
		return err
	default:
		return fmt.Errorf("cannot encode value of unknown type 0x%02x", byte(v.typ))
	}
}

// DecodeValue reads one value previously written by Encode.
func DecodeValue(r io.Reader) (Value, error) {
	var typByte [1]byte
	if _, err := io.ReadFull(r, typByte[:]); err != nil {
		return Value{}, fmt.Errorf("failed to read value type: %w", err)
	}
	switch DataType(typByte[0]) {
	case DataTypeNil:
		return Value{}, nil
	case DataTypeFloat:
		var bits uint64
		if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
			return Value{}, fmt.Errorf("failed to read float value: %w", err)
		}
		return NewFloatValue(math.Float64frombits(bits)), nil
	case DataTypeInt:
		var i int64
		if err := binary.Read(r, binary.BigEndian, &i); err != nil {
			return Value{}, fmt.Errorf("failed to read int value: %w", err)
		}
		return NewIntValue(i), nil
	case DataTypeBool:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, fmt.Errorf("failed to read bool value: %w", err)
		}
		return NewBoolValue(b[0] != 0), nil
	case DataTypeString:
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Value{}, fmt.Errorf("failed to read string length: %w", err)
		}
		sb := make([]byte, n)
		if _, err := io.ReadFull(r, sb); err != nil {
			return Value{}, fmt.Errorf("failed to read string bytes: %w", err)
		}
		return NewStringValue(string(sb)), nil
	default:
		return Value{}, fmt.Errorf("cannot decode value of unknown type 0x%02x", typByte[0])
	}
}
