package ip

import (
	"time"

	"firestige.xyz/netlab/internal/core"
	"firestige.xyz/netlab/internal/store"
)

// FragmentRateLimiter caps the fragments accepted from one source address per
// window. A source's window opens with its first fragment and closes when the
// store entry expires; counting does not refresh the entry.
type FragmentRateLimiter struct {
	counts   *store.Store[core.IPv4, *int]
	max      int
	rejected int
}

// NewFragmentRateLimiter returns nil when maxPerWindow is zero or negative,
// which disables limiting.
func NewFragmentRateLimiter(maxPerWindow int, window time.Duration, sources int) *FragmentRateLimiter {
	if maxPerWindow <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &FragmentRateLimiter{
		counts: store.New[core.IPv4, *int](store.Config[*int]{KeySize: 4, Capacity: sources, TTL: window}),
		max:    maxPerWindow,
	}
}

// Allow counts one fragment from src and reports whether it is within budget.
func (l *FragmentRateLimiter) Allow(src core.IPv4) bool {
	if n, ok := l.counts.Get(src); ok {
		*n++
		if *n > l.max {
			l.rejected++
			return false
		}
		return true
	}
	n := 1
	if err := l.counts.Set(src, &n); err != nil {
		// too many sources in flight
		l.rejected++
		return false
	}
	return true
}

// Rejected returns the number of fragments refused so far.
func (l *FragmentRateLimiter) Rejected() int { return l.rejected }

// ActiveSources returns the number of sources with an open window.
func (l *FragmentRateLimiter) ActiveSources() int { return l.counts.Len() }
