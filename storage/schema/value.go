// Package schema implements the row-oriented type system: column
// definitions, schemas, typed values, and their fixed-width wire format.
package schema

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind identifies a value's storage representation. Every Kind has a fixed
// serialized width except Char, whose width is carried on the owning Column.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger      // int32
	KindFloat64      // float64
	KindChar         // fixed-length byte string, width from Column.Length
	KindBoolean      // single byte
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "INTEGER"
	case KindFloat64:
		return "FLOAT"
	case KindChar:
		return "CHAR"
	case KindBoolean:
		return "BOOLEAN"
	default:
		return "INVALID"
	}
}

// Value is a tagged union over the storage engine's four field kinds. A
// Value never allocates per access: the inactive fields are simply unused.
type Value struct {
	Kind    Kind
	Null    bool
	Int32   int32
	Float64 float64
	Str     string
	Bool    bool
}

func NewIntegerValue(v int32) Value   { return Value{Kind: KindInteger, Int32: v} }
func NewFloat64Value(v float64) Value { return Value{Kind: KindFloat64, Float64: v} }
func NewCharValue(v string) Value     { return Value{Kind: KindChar, Str: v} }
func NewBooleanValue(v bool) Value    { return Value{Kind: KindBoolean, Bool: v} }
func NewNullValue(k Kind) Value       { return Value{Kind: k, Null: true} }

// Less orders two values of the same kind; comparing values of different
// kinds is a caller bug.
func (v Value) Less(other Value) bool {
	if v.Kind != other.Kind {
		panic(fmt.Sprintf("schema: comparing values of different kinds %v vs %v", v.Kind, other.Kind))
	}
	switch v.Kind {
	case KindInteger:
		return v.Int32 < other.Int32
	case KindFloat64:
		return v.Float64 < other.Float64
	case KindChar:
		return v.Str < other.Str
	case KindBoolean:
		return !v.Bool && other.Bool
	default:
		panic("schema: comparing invalid value kind")
	}
}

// SerializedSize returns the number of bytes Serialize writes for this value,
// given the declared fixed width (only meaningful for KindChar).
func (v Value) SerializedSize(fixedWidth uint32) int {
	switch v.Kind {
	case KindInteger:
		return 4
	case KindFloat64:
		return 8
	case KindBoolean:
		return 1
	case KindChar:
		return int(fixedWidth)
	default:
		panic("schema: serializing invalid value kind")
	}
}

// Serialize writes v into dest using fixedWidth bytes for Char values. It
// writes a value even when Null is set (zero value) — nullness is tracked
// out of band by Row's null bitmap.
func (v Value) Serialize(dest []byte, fixedWidth uint32) {
	switch v.Kind {
	case KindInteger:
		binary.BigEndian.PutUint32(dest, uint32(v.Int32))
	case KindFloat64:
		binary.BigEndian.PutUint64(dest, math.Float64bits(v.Float64))
	case KindBoolean:
		if v.Bool {
			dest[0] = 1
		} else {
			dest[0] = 0
		}
	case KindChar:
		n := copy(dest[:fixedWidth], v.Str)
		for i := n; i < int(fixedWidth); i++ {
			dest[i] = 0
		}
	default:
		panic("schema: serializing invalid value kind")
	}
}

// Deserialize reads a value of kind k (width fixedWidth for Char) from src.
func Deserialize(k Kind, fixedWidth uint32, src []byte) Value {
	switch k {
	case KindInteger:
		return Value{Kind: k, Int32: int32(binary.BigEndian.Uint32(src))}
	case KindFloat64:
		return Value{Kind: k, Float64: math.Float64frombits(binary.BigEndian.Uint64(src))}
	case KindBoolean:
		return Value{Kind: k, Bool: src[0] != 0}
	case KindChar:
		end := 0
		for end < int(fixedWidth) && src[end] != 0 {
			end++
		}
		return Value{Kind: k, Str: string(src[:end])}
	default:
		panic("schema: deserializing invalid value kind")
	}
}
