// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"encoding/binary"
	"sort"

	"github.com/grid-x/modbusbridge/codec"
)

// ChannelID names a channel of a component, e.g. "ActivePower".
type ChannelID string

// Mapping routes an element value to a channel through a converter.
type Mapping struct {
	Channel   ChannelID
	Converter codec.Converter
	// Unit and Description are reported by Definition.Registers.
	Unit        string
	Description string
}

func (m Mapping) converter() codec.Converter {
	if m.Converter == nil {
		return codec.Direct
	}
	return m.Converter
}

// Element is a typed slice of a register map. Build it with NewElement,
// Dummy or Bits and hand it to exactly one task.
type Element struct {
	address  uint16
	typ      codec.Type
	order    codec.WordOrder
	mappings []Mapping
	bits     map[uint8]Mapping
	dummy    bool
}

// NewElement creates an element of type t at address.
func NewElement(address uint16, t codec.Type) *Element {
	return &Element{address: address, typ: t}
}

// Order sets the word order of a multi-register element.
func (e *Element) Order(o codec.WordOrder) *Element {
	e.order = o
	return e
}

// Map adds a channel fed by this element.
func (e *Element) Map(ch ChannelID, conv codec.Converter) *Element {
	return e.MapWith(Mapping{Channel: ch, Converter: conv})
}

// MapWith adds a mapping with metadata.
func (e *Element) MapWith(m Mapping) *Element {
	e.mappings = append(e.mappings, m)
	return e
}

// Dummy reserves registers inside a read task without mapping them.
func Dummy(address uint16, registers int) *Element {
	return &Element{address: address, typ: codec.Type{Kind: codec.KindString, Registers: registers}, dummy: true}
}

// Bits creates a read-only UInt16 element whose bits feed boolean channels.
func Bits(address uint16, bits map[uint8]ChannelID) *Element {
	e := &Element{address: address, typ: codec.UInt16, bits: make(map[uint8]Mapping, len(bits))}
	for bit, ch := range bits {
		e.bits[bit] = Mapping{Channel: ch}
	}
	return e
}

// Address is the first register or coil of the element.
func (e *Element) Address() uint16 { return e.address }

// Type is the element type.
func (e *Element) Type() codec.Type { return e.typ }

// WordOrder is the word order of the element.
func (e *Element) WordOrder() codec.WordOrder { return e.order }

// Mappings returns the channel mappings.
func (e *Element) Mappings() []Mapping { return e.mappings }

// IsDummy reports whether the element only fills address space.
func (e *Element) IsDummy() bool { return e.dummy }

// width is the number of addressing units the element covers.
func (e *Element) width() int { return e.typ.Width() }

// end is one past the last address of the element.
func (e *Element) end() int { return int(e.address) + e.width() }

// channels lists every channel fed by the element, bit channels in bit order.
func (e *Element) channels() []ChannelID {
	var out []ChannelID
	for _, m := range e.mappings {
		out = append(out, m.Channel)
	}
	for _, bit := range e.sortedBits() {
		out = append(out, e.bits[bit].Channel)
	}
	return out
}

func (e *Element) sortedBits() []uint8 {
	bits := make([]uint8, 0, len(e.bits))
	for bit := range e.bits {
		bits = append(bits, bit)
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	return bits
}

// decode converts the raw bytes of the element into channel values.
func (e *Element) decode(raw []byte, out map[ChannelID]codec.Value) error {
	if e.dummy {
		return nil
	}
	if e.bits != nil {
		if len(raw) != 2 {
			return &codec.DecodeError{Type: e.typ, Got: len(raw)}
		}
		word := binary.BigEndian.Uint16(raw)
		for bit, m := range e.bits {
			out[m.Channel] = codec.Bool(word&(1<<bit) != 0)
		}
		return nil
	}
	v, err := codec.Decode(e.typ, e.order, raw)
	if err != nil {
		return err
	}
	for _, m := range e.mappings {
		cv, err := m.converter().ToChannel(v)
		if err != nil {
			return err
		}
		out[m.Channel] = cv
	}
	return nil
}

// encode converts a channel value of mapping m into the raw element bytes.
func (e *Element) encode(m Mapping, v codec.Value) ([]byte, error) {
	ev, err := m.converter().ToElement(v)
	if err != nil {
		return nil, &codec.EncodeError{Type: e.typ, Value: v, Err: err}
	}
	return codec.Encode(e.typ, e.order, ev)
}
