// Package clock provides the pair of clocks job records are expressed in.
// Elapsed time is monotonic and counts from host boot, wall time is calendar time.
// Both are integer milliseconds.
package clock

import (
	"sync"
	"time"
)

// Clock returns current elapsed (since boot) and wall (unix) time in milliseconds
type Clock interface {
	Elapsed() int64
	Wall() int64
}

// System is the host clock pair
type System struct{}

// Wall returns unix time in milliseconds
func (System) Wall() int64 { return time.Now().UnixMilli() }

// Elapsed returns milliseconds since host boot, including time spent in suspend
func (System) Elapsed() int64 { return elapsed() }

// Fixed is a manually driven clock, safe for concurrent use
type Fixed struct {
	mu      sync.Mutex
	elapsed int64
	wall    int64
}

// NewFixed makes Fixed clock frozen at given elapsed and wall times
func NewFixed(elapsed, wall int64) *Fixed {
	return &Fixed{elapsed: elapsed, wall: wall}
}

// Elapsed returns frozen elapsed time
func (f *Fixed) Elapsed() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}

// Wall returns frozen wall time
func (f *Fixed) Wall() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

// Advance moves both clocks forward by d
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elapsed += d.Milliseconds()
	f.wall += d.Milliseconds()
}

// Reboot resets elapsed clock to given value keeping wall time, as after a host restart
func (f *Fixed) Reboot(elapsed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elapsed = elapsed
}
