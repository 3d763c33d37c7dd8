// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestTrackerTransitions(t *testing.T) {
	tr := NewTracker(3, 4)

	assert.False(t, tr.Failure("c", 1))
	assert.Equal(t, Suspect, tr.State("c"))
	assert.False(t, tr.Failure("c", 2))
	assert.True(t, tr.Failure("c", 3))

	r := tr.Record("c")
	assert.Equal(t, Defective, r.State)
	assert.Equal(t, uint64(1), r.Backoff)
	assert.Equal(t, uint64(5), r.NextEligibleCycle)

	ok, probe := tr.Eligible("c", 4)
	assert.False(t, ok)
	assert.False(t, probe)
	ok, probe = tr.Eligible("c", 5)
	assert.True(t, ok)
	assert.True(t, probe)

	// failed probes double the backoff up to the cap
	var backoffs []uint64
	cycle := uint64(5)
	for i := 0; i < 4; i++ {
		assert.False(t, tr.Failure("c", cycle))
		r = tr.Record("c")
		backoffs = append(backoffs, r.Backoff)
		cycle = r.NextEligibleCycle
	}
	assert.Equal(t, []uint64{2, 4, 4, 4}, backoffs)

	assert.True(t, tr.Success("c"))
	assert.Equal(t, Healthy, tr.State("c"))
	ok, probe = tr.Eligible("c", cycle)
	assert.True(t, ok)
	assert.False(t, probe)
}

func TestTrackerSuccessResetsSuspect(t *testing.T) {
	tr := NewTracker(2, 60)
	tr.Failure("c", 1)
	assert.False(t, tr.Success("c"))
	assert.False(t, tr.Failure("c", 2))
	assert.Equal(t, Suspect, tr.State("c"))
}

func TestTrackerDefaults(t *testing.T) {
	tr := NewTracker(0, 0)
	assert.Equal(t, defaultThreshold, tr.threshold)
	assert.Equal(t, uint64(defaultMaxBackoff), tr.maxBackoff)
	assert.Equal(t, "defective", Defective.String())
}

// A Defective component is excluded for exactly Backoff cycles and then
// probed once.
func TestTrackerExclusionWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 5).Draw(t, "K")
		maxBackoff := rapid.IntRange(1, 64).Draw(t, "max")
		probes := rapid.IntRange(0, 8).Draw(t, "probes")
		tr := NewTracker(k, maxBackoff)

		cycle := uint64(1)
		for i := 0; i < k; i++ {
			tr.Failure("c", cycle)
			cycle++
		}
		failedAt := cycle - 1
		want := uint64(1)
		for p := 0; ; p++ {
			r := tr.Record("c")
			if r.State != Defective || r.Backoff != want {
				t.Fatalf("probe %d: got %+v, want backoff %d", p, r, want)
			}
			for c := failedAt + 1; c <= failedAt+r.Backoff; c++ {
				if ok, _ := tr.Eligible("c", c); ok {
					t.Fatalf("cycle %d: eligible during backoff %+v", c, r)
				}
			}
			probeAt := failedAt + r.Backoff + 1
			if ok, probe := tr.Eligible("c", probeAt); !ok || !probe {
				t.Fatalf("cycle %d: expected probe", probeAt)
			}
			if p == probes {
				break
			}
			tr.Failure("c", probeAt)
			failedAt = probeAt
			want *= 2
			if want > uint64(maxBackoff) {
				want = uint64(maxBackoff)
			}
		}
	})
}
