// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"github.com/grid-x/modbusbridge/protocol"
)

// step is one planned read transaction.
type step struct {
	entry *entry
	task  *protocol.Task
	probe bool
}

// planReads orders the read tasks of one cycle: all High tasks of eligible
// components first, then one probe per Defective component whose backoff
// elapsed, then the due Low tasks interleaved round-robin across
// components. A Defective component without read tasks has nothing to
// probe with and is let back in once its backoff elapsed.
func planReads(entries []*entry, tracker *Tracker, cycle uint64) []step {
	var high, probes []step
	var low [][]*protocol.Task
	var lowOwners []*entry
	for _, e := range entries {
		if !e.active() {
			continue
		}
		ok, probe := tracker.Eligible(e.id, cycle)
		if !ok {
			continue
		}
		if probe {
			if t := e.manager.ProbeTask(); t != nil {
				probes = append(probes, step{entry: e, task: t, probe: true})
				continue
			}
			tracker.Success(e.id)
		}
		for _, t := range e.manager.NextDueReadTasks(protocol.High) {
			high = append(high, step{entry: e, task: t})
		}
		if due := e.manager.NextDueReadTasks(protocol.Low); len(due) > 0 {
			low = append(low, due)
			lowOwners = append(lowOwners, e)
		}
	}

	plan := append(high, probes...)
	for i := 0; ; i++ {
		added := false
		for j, due := range low {
			if i < len(due) {
				plan = append(plan, step{entry: lowOwners[j], task: due[i]})
				added = true
			}
		}
		if !added {
			break
		}
	}
	return plan
}
