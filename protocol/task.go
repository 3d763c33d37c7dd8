// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"fmt"

	modbus "github.com/grid-x/modbusbridge"
	"github.com/grid-x/modbusbridge/codec"
)

// Priority of a read task.
type Priority int

const (
	// High tasks are read every cycle.
	High Priority = iota
	// Low tasks are read on a rotating subset of cycles.
	Low
)

func (p Priority) String() string {
	if p == Low {
		return "LOW"
	}
	return "HIGH"
}

// Mode tells reads from writes.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "WRITE"
	}
	return "READ"
}

// Space is one of the four Modbus address spaces.
type Space int

const (
	Coils Space = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

func (s Space) String() string {
	switch s {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete inputs"
	case HoldingRegisters:
		return "holding registers"
	default:
		return "input registers"
	}
}

// Task is one addressable read or write transaction over a contiguous
// address range.
type Task struct {
	function  byte
	start     uint16
	priority  Priority
	elements  []*Element
	component string
}

// FC1ReadCoils reads coils.
func FC1ReadCoils(start uint16, p Priority, elements ...*Element) *Task {
	return newTask(modbus.FuncCodeReadCoils, start, p, elements)
}

// FC2ReadDiscreteInputs reads discrete inputs.
func FC2ReadDiscreteInputs(start uint16, p Priority, elements ...*Element) *Task {
	return newTask(modbus.FuncCodeReadDiscreteInputs, start, p, elements)
}

// FC3ReadRegisters reads holding registers.
func FC3ReadRegisters(start uint16, p Priority, elements ...*Element) *Task {
	return newTask(modbus.FuncCodeReadHoldingRegisters, start, p, elements)
}

// FC4ReadInputRegisters reads input registers.
func FC4ReadInputRegisters(start uint16, p Priority, elements ...*Element) *Task {
	return newTask(modbus.FuncCodeReadInputRegisters, start, p, elements)
}

// FC5WriteCoil writes a single coil.
func FC5WriteCoil(start uint16, element *Element) *Task {
	return newTask(modbus.FuncCodeWriteSingleCoil, start, High, []*Element{element})
}

// FC6WriteRegister writes a single holding register.
func FC6WriteRegister(start uint16, element *Element) *Task {
	return newTask(modbus.FuncCodeWriteSingleRegister, start, High, []*Element{element})
}

// FC15WriteCoils writes multiple coils.
func FC15WriteCoils(start uint16, elements ...*Element) *Task {
	return newTask(modbus.FuncCodeWriteMultipleCoils, start, High, elements)
}

// FC16WriteRegisters writes multiple holding registers.
func FC16WriteRegisters(start uint16, elements ...*Element) *Task {
	return newTask(modbus.FuncCodeWriteMultipleRegisters, start, High, elements)
}

func newTask(function byte, start uint16, p Priority, elements []*Element) *Task {
	return &Task{function: function, start: start, priority: p, elements: elements}
}

// FunctionCode is the Modbus function code of the task.
func (t *Task) FunctionCode() byte { return t.function }

// Start is the first address of the task.
func (t *Task) Start() uint16 { return t.start }

// Priority is the read priority; write tasks are always High.
func (t *Task) Priority() Priority { return t.priority }

// Elements returns the elements in address order.
func (t *Task) Elements() []*Element { return t.elements }

// Component is the id of the owning component.
func (t *Task) Component() string { return t.component }

// Quantity is the number of coils or registers covered by the task.
func (t *Task) Quantity() uint16 {
	if len(t.elements) == 0 {
		return 0
	}
	return uint16(t.elements[len(t.elements)-1].end() - int(t.start))
}

// Mode reports whether the task reads or writes.
func (t *Task) Mode() Mode {
	switch t.function {
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		return Write
	}
	return Read
}

// Space is the address space the task operates on.
func (t *Task) Space() Space {
	switch t.function {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteMultipleCoils:
		return Coils
	case modbus.FuncCodeReadDiscreteInputs:
		return DiscreteInputs
	case modbus.FuncCodeReadInputRegisters:
		return InputRegisters
	}
	return HoldingRegisters
}

func (t *Task) String() string {
	return fmt.Sprintf("%s/FC%d/%d+%d/%s", t.component, t.function, t.start, t.Quantity(), t.priority)
}

func (t *Task) maxQuantity() int {
	switch t.function {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		return modbus.MaxReadCoils
	case modbus.FuncCodeWriteMultipleCoils:
		return modbus.MaxWriteCoils
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		return modbus.MaxReadRegisters
	case modbus.FuncCodeWriteMultipleRegisters:
		return modbus.MaxWriteRegisters
	}
	return 1
}

// validate checks the invariants of a single task.
func (t *Task) validate() error {
	if len(t.elements) == 0 {
		return fmt.Errorf("task FC%d@%d has no elements", t.function, t.start)
	}
	coilSpace := t.Space() == Coils || t.Space() == DiscreteInputs
	next := int(t.start)
	for _, e := range t.elements {
		if e == nil {
			return fmt.Errorf("task FC%d@%d has a nil element", t.function, t.start)
		}
		if !e.typ.Valid() {
			return fmt.Errorf("element @%d has invalid type %v", e.address, e.typ)
		}
		if int(e.address) < next {
			return fmt.Errorf("element @%d overlaps or precedes its predecessor in task FC%d@%d", e.address, t.function, t.start)
		}
		if e.typ.IsCoil() != coilSpace {
			return fmt.Errorf("element @%d of type %v does not fit function code %d", e.address, e.typ, t.function)
		}
		if e.bits != nil {
			if t.Mode() == Write {
				return fmt.Errorf("bit element @%d is read-only", e.address)
			}
			for bit := range e.bits {
				if bit > 15 {
					return fmt.Errorf("bit element @%d: bit %d out of range", e.address, bit)
				}
			}
		}
		if e.dummy && t.Mode() == Write {
			return fmt.Errorf("dummy element @%d cannot be written", e.address)
		}
		if e.end() > 0x10000 {
			return fmt.Errorf("element @%d exceeds the address space", e.address)
		}
		next = e.end()
	}
	if q := int(t.Quantity()); q < 1 || q > t.maxQuantity() {
		return fmt.Errorf("task FC%d@%d covers %d units, allowed 1..%d", t.function, t.start, q, t.maxQuantity())
	}
	if t.function == modbus.FuncCodeWriteSingleRegister || t.function == modbus.FuncCodeWriteSingleCoil {
		if len(t.elements) != 1 || t.elements[0].address != t.start {
			return fmt.Errorf("task FC%d@%d needs exactly one element at its start address", t.function, t.start)
		}
	}
	return nil
}

// Decode converts the data of a successful read response into channel
// values. For coil tasks data is bit packed, least significant bit first.
func (t *Task) Decode(data []byte) (map[ChannelID]codec.Value, error) {
	out := make(map[ChannelID]codec.Value)
	coils := t.Space() == Coils || t.Space() == DiscreteInputs
	for _, e := range t.elements {
		offset := int(e.address) - int(t.start)
		var raw []byte
		if coils {
			byteIdx := offset / 8
			if byteIdx >= len(data) {
				return nil, &codec.DecodeError{Type: e.typ, Got: 0}
			}
			raw = []byte{(data[byteIdx] >> uint(offset%8)) & 1}
		} else {
			from, to := 2*offset, 2*offset+e.typ.Size()
			if to > len(data) {
				return nil, &codec.DecodeError{Type: e.typ, Got: max(len(data)-from, 0)}
			}
			raw = data[from:to]
		}
		if err := e.decode(raw, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
