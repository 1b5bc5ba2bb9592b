// Package trust holds the set of peer certificate thumbprints a runtime is
// willing to talk to (spec §3 "Trust Set"). Trust is asymmetric: each side
// maintains its own set independently.
package trust

import "sync/atomic"

// Set is a concurrent, copy-on-write set of lowercase hex thumbprints.
// Reads never block a writer and never block each other (spec §5
// "Shared-resource policy").
type Set struct {
	snapshot atomic.Pointer[map[string]struct{}]
}

// NewSet creates a trust set seeded with the given thumbprints.
func NewSet(thumbprints ...string) *Set {
	s := &Set{}
	m := make(map[string]struct{}, len(thumbprints))
	for _, tp := range thumbprints {
		m[tp] = struct{}{}
	}
	s.snapshot.Store(&m)
	return s
}

// IsTrusted reports whether thumbprint is a member of the set.
func (s *Set) IsTrusted(thumbprint string) bool {
	m := s.snapshot.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[thumbprint]
	return ok
}

// Add inserts thumbprint into the set by publishing a new snapshot map,
// leaving any concurrent reader of the old snapshot unaffected.
func (s *Set) Add(thumbprint string) {
	for {
		old := s.snapshot.Load()
		next := make(map[string]struct{}, len(*old)+1)
		for k := range *old {
			next[k] = struct{}{}
		}
		next[thumbprint] = struct{}{}
		if s.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Remove deletes thumbprint from the set, if present.
func (s *Set) Remove(thumbprint string) {
	for {
		old := s.snapshot.Load()
		if _, ok := (*old)[thumbprint]; !ok {
			return
		}
		next := make(map[string]struct{}, len(*old))
		for k := range *old {
			if k != thumbprint {
				next[k] = struct{}{}
			}
		}
		if s.snapshot.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Snapshot returns the current members as a slice, safe to range over
// without holding any lock.
func (s *Set) Snapshot() []string {
	m := s.snapshot.Load()
	out := make([]string, 0, len(*m))
	for k := range *m {
		out = append(out, k)
	}
	return out
}

// Len reports the current number of trusted thumbprints.
func (s *Set) Len() int {
	return len(*s.snapshot.Load())
}
