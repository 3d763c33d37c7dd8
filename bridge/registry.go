// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grid-x/modbusbridge/protocol"
)

var (
	// ErrUnknownComponent is returned for ids that are not registered.
	ErrUnknownComponent = errors.New("bridge: unknown component")
	// ErrDuplicateComponent is returned when an id is registered twice.
	ErrDuplicateComponent = errors.New("bridge: component already registered")
)

// Component is anything that can supply a protocol definition for a device
// behind the shared transport.
type Component interface {
	// ID is unique per bridge.
	ID() string
	// UnitID is the Modbus slave address of the device.
	UnitID() byte
	// Definition builds the protocol of the device. It is called once on
	// registration.
	Definition() (*protocol.Definition, error)
}

// entry is a registered component with its task manager.
type entry struct {
	component Component
	id        string
	unitID    byte
	manager   *protocol.Manager

	enabled     atomic.Bool
	removed     atomic.Bool
	writeFailed atomic.Bool
}

// active reports whether un-started tasks of the entry may still run.
func (e *entry) active() bool {
	return e.enabled.Load() && !e.removed.Load()
}

// Registry holds the components sharing one transport in registration order.
type Registry struct {
	lowWindow int

	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
}

// NewRegistry creates an empty registry. lowWindow is passed to every task
// manager.
func NewRegistry(lowWindow int) *Registry {
	return &Registry{
		lowWindow: lowWindow,
		byID:      make(map[string]*entry),
	}
}

// Register builds the definition of c and adds it, enabled. A component
// whose definition is invalid is not added and the error is returned.
func (r *Registry) Register(c Component) error {
	def, err := c.Definition()
	if err != nil {
		return fmt.Errorf("bridge: register %s: %w", c.ID(), err)
	}
	if def.Component() != c.ID() {
		return fmt.Errorf("bridge: register %s: definition belongs to %q", c.ID(), def.Component())
	}
	e := &entry{
		component: c,
		id:        c.ID(),
		unitID:    c.UnitID(),
		manager:   protocol.NewManager(def, r.lowWindow),
	}
	e.enabled.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[e.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, e.id)
	}
	r.entries = append(r.entries, e)
	r.byID[e.id] = e
	return nil
}

// Unregister removes a component. Its un-started tasks of the running cycle
// are dropped.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	e.removed.Store(true)
	delete(r.byID, id)
	for i, x := range r.entries {
		if x == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	return nil
}

// SetEnabled enables or disables a component. Disabling drops its un-started
// tasks of the running cycle.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.enabled.Store(enabled)
	return nil
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	return e, nil
}

// replaced reports whether the id of the removed entry e now belongs to a
// newer registration.
func (r *Registry) replaced(e *entry) bool {
	cur, err := r.get(e.id)
	return err == nil && cur != e
}

// snapshot returns the registered entries in registration order.
func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.entries...)
}

// IDs returns the registered component ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.entries))
	for i, e := range r.entries {
		ids[i] = e.id
	}
	return ids
}
