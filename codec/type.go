// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package codec converts between raw Modbus register or coil bytes and typed
// channel values.
//
// Every type except Coil reserves one bit pattern that means "no value". A
// device reporting that pattern decodes to an undefined Value, and encoding an
// undefined Value writes the pattern. An ordinary value never encodes to it.
package codec

import "fmt"

// Kind is the family of an element type.
type Kind int

const (
	KindCoil Kind = iota
	KindUInt16
	KindInt16
	KindUInt32
	KindInt32
	KindUInt64
	KindInt64
	KindFloat32
	KindFloat64
	KindString
)

var kindNames = map[Kind]string{
	KindCoil:    "COIL",
	KindUInt16:  "UINT16",
	KindInt16:   "INT16",
	KindUInt32:  "UINT32",
	KindInt32:   "INT32",
	KindUInt64:  "UINT64",
	KindInt64:   "INT64",
	KindFloat32: "FLOAT32",
	KindFloat64: "FLOAT64",
	KindString:  "STRING",
}

// Type describes the layout of one element.
type Type struct {
	Kind Kind
	// Registers is the declared register count of a String.
	Registers int
}

var (
	Coil    = Type{Kind: KindCoil}
	UInt16  = Type{Kind: KindUInt16}
	Int16   = Type{Kind: KindInt16}
	UInt32  = Type{Kind: KindUInt32}
	Int32   = Type{Kind: KindInt32}
	UInt64  = Type{Kind: KindUInt64}
	Int64   = Type{Kind: KindInt64}
	Float32 = Type{Kind: KindFloat32}
	Float64 = Type{Kind: KindFloat64}
)

// String returns a string type spanning n registers.
func String(n int) Type {
	return Type{Kind: KindString, Registers: n}
}

// Width is the number of addressing units the type occupies: coils for Coil,
// registers for everything else.
func (t Type) Width() int {
	switch t.Kind {
	case KindCoil, KindUInt16, KindInt16:
		return 1
	case KindUInt32, KindInt32, KindFloat32:
		return 2
	case KindUInt64, KindInt64, KindFloat64:
		return 4
	case KindString:
		return t.Registers
	}
	return 0
}

// Size is the number of bytes Decode expects. A coil travels as one byte,
// zero for OFF and anything else for ON.
func (t Type) Size() int {
	if t.Kind == KindCoil {
		return 1
	}
	return 2 * t.Width()
}

// IsCoil reports whether the type lives in coil or discrete input space.
func (t Type) IsCoil() bool {
	return t.Kind == KindCoil
}

// Valid reports whether t is a known kind with a positive width.
func (t Type) Valid() bool {
	_, ok := kindNames[t.Kind]
	return ok && t.Width() > 0
}

func (t Type) String() string {
	name, ok := kindNames[t.Kind]
	if !ok {
		return fmt.Sprintf("Kind(%d)", int(t.Kind))
	}
	if t.Kind == KindString {
		return fmt.Sprintf("%s(%d)", name, t.Registers)
	}
	return name
}

// ParseType parses the names produced by Type.String, e.g. "FLOAT32" or
// "STRING(8)".
func ParseType(s string) (Type, error) {
	var n int
	if _, err := fmt.Sscanf(s, "STRING(%d)", &n); err == nil {
		if n <= 0 {
			return Type{}, fmt.Errorf("codec: string type needs a positive register count, got %d", n)
		}
		return String(n), nil
	}
	for k, name := range kindNames {
		if k != KindString && name == s {
			return Type{Kind: k}, nil
		}
	}
	return Type{}, fmt.Errorf("codec: unknown type %q", s)
}

// WordOrder is the order of 16-bit words in a multi-register value. Bytes
// inside a word are always big-endian.
type WordOrder int

const (
	HighWordFirst WordOrder = iota
	LowWordFirst
)

func (o WordOrder) String() string {
	if o == LowWordFirst {
		return "LSWMSW"
	}
	return "MSWLSW"
}
