// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package protocol

import (
	"fmt"
	"sync"

	"github.com/grid-x/modbusbridge/codec"
)

// Manager hands out the due tasks of one component. Read tasks are indexed by
// priority; write tasks are only handed out for channels with a new value.
// SetNextWriteValue may be called from any goroutine, the other methods
// belong to the cycle worker.
type Manager struct {
	def  *Definition
	high []*Task
	low  []*Task
	// lowWindow is the number of cycles within which every low task runs.
	lowWindow int
	cursor    int

	mu       sync.Mutex
	writable map[ChannelID]bool
	pending  map[ChannelID]codec.Value
}

// NewManager indexes the tasks of def. Every low priority task is due at
// least once within lowWindow consecutive cycles; a window of zero or less
// reads one low task per cycle.
func NewManager(def *Definition, lowWindow int) *Manager {
	m := &Manager{
		def:       def,
		lowWindow: lowWindow,
		writable:  make(map[ChannelID]bool),
		pending:   make(map[ChannelID]codec.Value),
	}
	for _, t := range def.ReadTasks() {
		if t.Priority() == High {
			m.high = append(m.high, t)
		} else {
			m.low = append(m.low, t)
		}
	}
	for _, t := range def.WriteTasks() {
		for _, e := range t.elements {
			for _, mp := range e.mappings {
				m.writable[mp.Channel] = true
			}
		}
	}
	return m
}

// Definition returns the managed definition.
func (m *Manager) Definition() *Definition { return m.def }

// lowPerCycle is ceil(M/N), at least one.
func (m *Manager) lowPerCycle() int {
	if m.lowWindow <= 0 {
		return 1
	}
	k := (len(m.low) + m.lowWindow - 1) / m.lowWindow
	if k < 1 {
		k = 1
	}
	return k
}

// NextDueReadTasks returns the read tasks due this cycle. All High tasks are
// due every cycle. Low tasks rotate; each call advances the rotation.
func (m *Manager) NextDueReadTasks(p Priority) []*Task {
	if p == High {
		return append([]*Task(nil), m.high...)
	}
	return m.nextLow(m.lowPerCycle())
}

func (m *Manager) nextLow(k int) []*Task {
	if len(m.low) == 0 {
		return nil
	}
	if k > len(m.low) {
		k = len(m.low)
	}
	out := make([]*Task, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, m.low[m.cursor])
		m.cursor = (m.cursor + 1) % len(m.low)
	}
	return out
}

// ProbeTask returns the single read task used to test whether a defective
// component answers again: the first High task, else the next Low task. It
// returns nil for a component without read tasks.
func (m *Manager) ProbeTask() *Task {
	if len(m.high) > 0 {
		return m.high[0]
	}
	if low := m.nextLow(1); len(low) > 0 {
		return low[0]
	}
	return nil
}

// SetNextWriteValue queues v for the next write of channel ch. Setting an
// undefined value withdraws a queued one.
func (m *Manager) SetNextWriteValue(ch ChannelID, v codec.Value) error {
	if !m.writable[ch] {
		return fmt.Errorf("%w: %s/%s", ErrNotWritable, m.def.component, ch)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !v.IsDefined() {
		delete(m.pending, ch)
		return nil
	}
	m.pending[ch] = v
	return nil
}

// HasPendingWrites reports whether any write value is queued.
func (m *Manager) HasPendingWrites() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// PendingWrite is one write transaction derived from a write task: a
// contiguous run of elements whose channels carry new values.
type PendingWrite struct {
	Task     *Task
	Start    uint16
	Quantity uint16
	Elements []*Element
	// Values holds the channel value for each element.
	Values []codec.Value
	// Channels holds the channel that supplied each value.
	Channels []ChannelID
}

// Payload encodes the run. Registers are concatenated in wire order; coils
// are returned one byte per coil, zero for OFF.
func (w PendingWrite) Payload() ([]byte, error) {
	var out []byte
	for i, e := range w.Elements {
		b, err := e.encode(e.mappingFor(w.Channels[i]), w.Values[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func (e *Element) mappingFor(ch ChannelID) Mapping {
	for _, m := range e.mappings {
		if m.Channel == ch {
			return m
		}
	}
	return Mapping{Channel: ch}
}

// PendingWriteTasks returns the writes for all channels set since the last
// call and marks them flushed. A failed write is not queued again; the
// channel is only written once a new value is set.
func (m *Manager) PendingWriteTasks() []PendingWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	var out []PendingWrite
	for _, t := range m.def.writes {
		var run *PendingWrite
		flush := func() {
			if run != nil {
				out = append(out, *run)
				run = nil
			}
		}
		for _, e := range t.elements {
			ch, v, ok := m.pendingFor(e)
			if !ok {
				flush()
				continue
			}
			if run != nil && int(run.Start)+int(run.Quantity) != int(e.address) {
				flush()
			}
			if run == nil {
				run = &PendingWrite{Task: t, Start: e.address}
			}
			run.Elements = append(run.Elements, e)
			run.Values = append(run.Values, v)
			run.Channels = append(run.Channels, ch)
			run.Quantity += uint16(e.width())
		}
		flush()
	}
	// Flush after collecting so a channel mapped by several tasks is written
	// by each of them.
	for _, w := range out {
		for _, ch := range w.Channels {
			delete(m.pending, ch)
		}
	}
	return out
}

// pendingFor returns the first queued value among the mappings of e.
func (m *Manager) pendingFor(e *Element) (ChannelID, codec.Value, bool) {
	for _, mp := range e.mappings {
		if v, ok := m.pending[mp.Channel]; ok {
			return mp.Channel, v, true
		}
	}
	return "", codec.Value{}, false
}
