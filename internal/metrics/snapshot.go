// SPDX-License-Identifier: MIT

package metrics

import "sync"

// Snapshot is a per-Manager counter set readable without scraping. The
// Prometheus registry is process-wide; the snapshot belongs to one Manager
// instance so tests and ProcessPending callers get isolated numbers.
type Snapshot struct {
	mu       sync.Mutex
	cycles   uint64
	picked   uint64
	outcomes map[string]uint64
}

func NewSnapshot() *Snapshot {
	return &Snapshot{outcomes: make(map[string]uint64)}
}

func (s *Snapshot) Cycle(picked int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.picked += uint64(picked)
}

func (s *Snapshot) Outcome(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[name]++
}

func (s *Snapshot) Cycles() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

func (s *Snapshot) Picked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.picked
}

// Outcomes returns a copy of the per-outcome counters.
func (s *Snapshot) Outcomes() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		out[k] = v
	}
	return out
}

// Diff returns the outcome counts accumulated since the given base.
func (s *Snapshot) Diff(base map[string]uint64) map[string]uint64 {
	cur := s.Outcomes()
	diff := make(map[string]uint64)
	for k, v := range cur {
		if d := v - base[k]; d > 0 {
			diff[k] = d
		}
	}
	return diff
}
