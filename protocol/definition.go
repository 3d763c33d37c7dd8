// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package protocol declares the register map of a component as tasks built
// from typed elements and schedules those tasks per cycle.
package protocol

import (
	"errors"
	"fmt"
	"sort"

	"github.com/grid-x/modbusbridge/codec"
)

// ErrNotWritable is returned when a write value is set on a channel no write
// task covers.
var ErrNotWritable = errors.New("protocol: channel is not writable")

// DefinitionError rejects an invalid protocol definition. The component
// cannot be activated with it.
type DefinitionError struct {
	Component string
	Err       error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("protocol: invalid definition of %q: %v", e.Component, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Definition is the validated, immutable protocol of one component.
type Definition struct {
	component string
	tasks     []*Task
	reads     []*Task
	writes    []*Task
}

// NewDefinition validates tasks and binds them to component. No two tasks of
// the same mode may overlap in the same address space.
func NewDefinition(component string, tasks ...*Task) (*Definition, error) {
	d := &Definition{component: component}
	type key struct {
		mode  Mode
		space Space
	}
	spans := make(map[key][]*Task)
	for i, t := range tasks {
		if t == nil {
			return nil, &DefinitionError{Component: component, Err: fmt.Errorf("task %d is nil", i)}
		}
		if t.component != "" {
			return nil, &DefinitionError{Component: component, Err: fmt.Errorf("task %v already belongs to %q", t, t.component)}
		}
		if err := t.validate(); err != nil {
			return nil, &DefinitionError{Component: component, Err: err}
		}
		k := key{t.Mode(), t.Space()}
		spans[k] = append(spans[k], t)
	}
	for k, ts := range spans {
		sort.Slice(ts, func(i, j int) bool { return ts[i].start < ts[j].start })
		for i := 1; i < len(ts); i++ {
			prev, cur := ts[i-1], ts[i]
			if int(prev.start)+int(prev.Quantity()) > int(cur.start) {
				return nil, &DefinitionError{Component: component, Err: fmt.Errorf(
					"%s tasks on %v overlap: FC%d@%d+%d and FC%d@%d+%d", k.mode, k.space,
					prev.function, prev.start, prev.Quantity(), cur.function, cur.start, cur.Quantity())}
			}
		}
	}
	for _, t := range tasks {
		t.component = component
		d.tasks = append(d.tasks, t)
		if t.Mode() == Read {
			d.reads = append(d.reads, t)
		} else {
			d.writes = append(d.writes, t)
		}
	}
	return d, nil
}

// Component is the id of the owning component.
func (d *Definition) Component() string { return d.component }

// ReadTasks returns the read tasks in declaration order.
func (d *Definition) ReadTasks() []*Task { return d.reads }

// WriteTasks returns the write tasks in declaration order.
func (d *Definition) WriteTasks() []*Task { return d.writes }

// AllTasks returns every task in declaration order.
func (d *Definition) AllTasks() []*Task { return d.tasks }

// Access of a register as seen by tooling.
type Access string

const (
	ReadOnly  Access = "RO"
	ReadWrite Access = "RW"
	WriteOnly Access = "WO"
)

// RegisterInfo describes one mapped channel for introspection.
type RegisterInfo struct {
	Space       string    `json:"space"`
	Address     uint16    `json:"address"`
	Bit         *uint8    `json:"bit,omitempty"`
	Channel     ChannelID `json:"channel"`
	Type        string    `json:"type"`
	WordOrder   string    `json:"word_order,omitempty"`
	Converter   string    `json:"converter,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Description string    `json:"description,omitempty"`
	Access      Access    `json:"access"`
}

// Registers lists every mapped channel sorted by address space and address.
// A channel mapped by read and write tasks is reported once as ReadWrite.
func (d *Definition) Registers() []RegisterInfo {
	type key struct {
		space   Space
		address uint16
		bit     int
		channel ChannelID
	}
	readable := make(map[ChannelID]bool)
	writable := make(map[ChannelID]bool)
	for _, t := range d.tasks {
		for _, e := range t.elements {
			for _, ch := range e.channels() {
				if t.Mode() == Read {
					readable[ch] = true
				} else {
					writable[ch] = true
				}
			}
		}
	}
	access := func(ch ChannelID) Access {
		switch {
		case readable[ch] && writable[ch]:
			return ReadWrite
		case writable[ch]:
			return WriteOnly
		}
		return ReadOnly
	}

	// Holding registers are shared by FC3 reads and FC6/FC16 writes, so
	// entries are keyed to report each register once.
	type entry struct {
		key  key
		info RegisterInfo
	}
	seen := make(map[key]bool)
	var entries []entry
	add := func(k key, info RegisterInfo) {
		if seen[k] {
			return
		}
		seen[k] = true
		entries = append(entries, entry{k, info})
	}
	for _, t := range d.tasks {
		for _, e := range t.elements {
			for _, m := range e.mappings {
				info := RegisterInfo{
					Space:       t.Space().String(),
					Address:     e.address,
					Channel:     m.Channel,
					Type:        e.typ.String(),
					Converter:   fmt.Sprint(m.converter()),
					Unit:        m.Unit,
					Description: m.Description,
					Access:      access(m.Channel),
				}
				if e.typ.Width() > 1 && e.typ.Kind != codec.KindString {
					info.WordOrder = e.order.String()
				}
				add(key{t.Space(), e.address, -1, m.Channel}, info)
			}
			for _, bit := range e.sortedBits() {
				b := bit
				m := e.bits[bit]
				add(key{t.Space(), e.address, int(bit), m.Channel}, RegisterInfo{
					Space:   t.Space().String(),
					Address: e.address,
					Bit:     &b,
					Channel: m.Channel,
					Type:    "BIT",
					Access:  access(m.Channel),
				})
			}
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].key, entries[j].key
		if a.space != b.space {
			return a.space < b.space
		}
		if a.address != b.address {
			return a.address < b.address
		}
		return a.bit < b.bit
	})
	out := make([]RegisterInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info
	}
	return out
}
