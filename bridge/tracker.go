// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"sync"
)

const (
	defaultThreshold  = 3
	defaultMaxBackoff = 60
)

// State is the communication health of a component.
type State int

const (
	// Healthy components answered their last transaction.
	Healthy State = iota
	// Suspect components failed fewer than threshold transactions in a row.
	Suspect
	// Defective components are excluded from cycles until their backoff
	// has elapsed.
	Defective
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Defective:
		return "defective"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is the failure bookkeeping of one component.
type Record struct {
	State               State  `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Backoff             uint64 `json:"backoff,omitempty"`
	NextEligibleCycle   uint64 `json:"nextEligibleCycle,omitempty"`
}

// Tracker counts consecutive transaction failures per component. After
// threshold failures the component is Defective and skipped for Backoff
// cycles; then one probe read decides whether it recovers. A failed probe
// doubles the backoff up to maxBackoff cycles.
type Tracker struct {
	threshold  int
	maxBackoff uint64

	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker creates a tracker. Values below one select the defaults.
func NewTracker(threshold, maxBackoff int) *Tracker {
	if threshold < 1 {
		threshold = defaultThreshold
	}
	if maxBackoff < 1 {
		maxBackoff = defaultMaxBackoff
	}
	return &Tracker{
		threshold:  threshold,
		maxBackoff: uint64(maxBackoff),
		records:    make(map[string]*Record),
	}
}

// Record returns a copy of the record of id. Components without failures
// report Healthy.
func (t *Tracker) Record(id string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		return *r
	}
	return Record{State: Healthy}
}

// State returns the state of id.
func (t *Tracker) State(id string) State {
	return t.Record(id).State
}

// Eligible tells whether id takes part in cycle. probe is set for a
// Defective component whose backoff has elapsed; it gets a single read.
func (t *Tracker) Eligible(id string, cycle uint64) (ok, probe bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, found := t.records[id]
	if !found || r.State != Defective {
		return true, false
	}
	if cycle >= r.NextEligibleCycle {
		return true, true
	}
	return false, false
}

// Failure records a failed transaction of id in cycle. It reports whether
// the component became Defective with this failure.
func (t *Tracker) Failure(id string, cycle uint64) (entered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		r = &Record{}
		t.records[id] = r
	}
	r.ConsecutiveFailures++
	switch r.State {
	case Defective:
		// failed probe
		r.Backoff *= 2
		if r.Backoff > t.maxBackoff {
			r.Backoff = t.maxBackoff
		}
	default:
		if r.ConsecutiveFailures < t.threshold {
			r.State = Suspect
			return false
		}
		r.State = Defective
		r.Backoff = 1
		entered = true
	}
	r.NextEligibleCycle = cycle + r.Backoff + 1
	return entered
}

// Success clears the record of id. It reports whether the component was
// Defective before.
func (t *Tracker) Success(id string) (recovered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return false
	}
	delete(t.records, id)
	return r.State == Defective
}

// Remove forgets id.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}
