// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package profile loads register maps from YAML files:
//
//	name: Generic meter
//	tasks:
//	  - function: 3
//	    start: 100
//	    priority: high
//	    elements:
//	      - address: 100
//	        type: FLOAT32
//	        word_order: LSWMSW
//	        channels:
//	          - { channel: ActivePower, converter: SCALE_FACTOR_MINUS_1, unit: W }
//	      - { address: 102, dummy: 2 }
//	      - { address: 104, bits: { 0: Alarm, 3: Running } }
package profile

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grid-x/modbusbridge/codec"
	"github.com/grid-x/modbusbridge/protocol"
)

type Profile struct {
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer,omitempty"`
	Model        string `yaml:"model,omitempty"`
	Tasks        []Task `yaml:"tasks"`
}

type Task struct {
	Function byte   `yaml:"function"`
	Start    uint16 `yaml:"start"`
	// Priority is high or low; reads default to low.
	Priority string    `yaml:"priority,omitempty"`
	Elements []Element `yaml:"elements"`
}

type Element struct {
	Address   uint16 `yaml:"address"`
	Type      string `yaml:"type,omitempty"`
	WordOrder string `yaml:"word_order,omitempty"`
	// Dummy reserves the given number of registers without a channel.
	Dummy    int              `yaml:"dummy,omitempty"`
	Bits     map[uint8]string `yaml:"bits,omitempty"`
	Channels []Channel        `yaml:"channels,omitempty"`
}

type Channel struct {
	Channel     string `yaml:"channel"`
	Converter   string `yaml:"converter,omitempty"`
	Unit        string `yaml:"unit,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Load reads and checks the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a profile and checks that it builds a valid definition.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("profile %q has no tasks", p.Name)
	}
	if _, err := p.Definition(p.Name); err != nil {
		return nil, err
	}
	return &p, nil
}

// Definition builds a fresh protocol definition for component.
func (p *Profile) Definition(component string) (*protocol.Definition, error) {
	tasks := make([]*protocol.Task, 0, len(p.Tasks))
	for i, t := range p.Tasks {
		task, err := t.build()
		if err != nil {
			return nil, &protocol.DefinitionError{Component: component, Err: fmt.Errorf("tasks[%d]: %w", i, err)}
		}
		tasks = append(tasks, task)
	}
	return protocol.NewDefinition(component, tasks...)
}

func (t Task) build() (*protocol.Task, error) {
	prio := protocol.Low
	switch strings.ToLower(t.Priority) {
	case "", "low":
	case "high":
		prio = protocol.High
	default:
		return nil, fmt.Errorf("unknown priority %q", t.Priority)
	}
	elems := make([]*protocol.Element, 0, len(t.Elements))
	for j, e := range t.Elements {
		el, err := e.build()
		if err != nil {
			return nil, fmt.Errorf("elements[%d]: %w", j, err)
		}
		elems = append(elems, el)
	}

	switch t.Function {
	case 1:
		return protocol.FC1ReadCoils(t.Start, prio, elems...), nil
	case 2:
		return protocol.FC2ReadDiscreteInputs(t.Start, prio, elems...), nil
	case 3:
		return protocol.FC3ReadRegisters(t.Start, prio, elems...), nil
	case 4:
		return protocol.FC4ReadInputRegisters(t.Start, prio, elems...), nil
	case 5, 6:
		if len(elems) != 1 {
			return nil, fmt.Errorf("function %d takes exactly one element, got %d", t.Function, len(elems))
		}
		if t.Function == 5 {
			return protocol.FC5WriteCoil(t.Start, elems[0]), nil
		}
		return protocol.FC6WriteRegister(t.Start, elems[0]), nil
	case 15:
		return protocol.FC15WriteCoils(t.Start, elems...), nil
	case 16:
		return protocol.FC16WriteRegisters(t.Start, elems...), nil
	}
	return nil, fmt.Errorf("unsupported function %d", t.Function)
}

func (e Element) build() (*protocol.Element, error) {
	switch {
	case e.Dummy > 0:
		return protocol.Dummy(e.Address, e.Dummy), nil
	case len(e.Bits) > 0:
		bits := make(map[uint8]protocol.ChannelID, len(e.Bits))
		for bit, ch := range e.Bits {
			bits[bit] = protocol.ChannelID(ch)
		}
		return protocol.Bits(e.Address, bits), nil
	}

	typ, err := codec.ParseType(strings.ToUpper(e.Type))
	if err != nil {
		return nil, err
	}
	el := protocol.NewElement(e.Address, typ)
	switch strings.ToUpper(e.WordOrder) {
	case "", "MSWLSW", "HIGH_WORD_FIRST":
	case "LSWMSW", "LOW_WORD_FIRST":
		el.Order(codec.LowWordFirst)
	default:
		return nil, fmt.Errorf("unknown word order %q", e.WordOrder)
	}
	for _, ch := range e.Channels {
		if ch.Channel == "" {
			return nil, fmt.Errorf("element at %d: channel name is required", e.Address)
		}
		conv, err := codec.ParseConverter(ch.Converter)
		if err != nil {
			return nil, err
		}
		el.MapWith(protocol.Mapping{
			Channel:     protocol.ChannelID(ch.Channel),
			Converter:   conv,
			Unit:        ch.Unit,
			Description: ch.Description,
		})
	}
	return el, nil
}

// Component is a device on a bridge whose register map comes from a profile.
type Component struct {
	id      string
	unitID  byte
	profile *Profile
}

// NewComponent binds p to a component id and unit id.
func NewComponent(id string, unitID byte, p *Profile) *Component {
	return &Component{id: id, unitID: unitID, profile: p}
}

func (c *Component) ID() string { return c.id }

func (c *Component) UnitID() byte { return c.unitID }

// Profile returns the register map of the component.
func (c *Component) Profile() *Profile { return c.profile }

func (c *Component) Definition() (*protocol.Definition, error) {
	return c.profile.Definition(c.id)
}
