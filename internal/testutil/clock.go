package testutil

import "sync"

// DeterministicClock provides a thread-safe millisecond wall clock for tests.
//
// Each call to NowMillis returns the current value and then advances it by
// Step, so consecutive writes get strictly increasing LWW timestamps while
// the sequence stays identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start uint64
	now   uint64
	step  uint64
}

// NewDeterministicClock creates a clock whose first reading is start and
// which advances by 1ms per reading.
func NewDeterministicClock(start uint64) *DeterministicClock {
	return &DeterministicClock{start: start, now: start, step: 1}
}

// NowMillis returns the current time and advances the clock by one step.
func (c *DeterministicClock) NowMillis() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now += c.step
	return now
}

// Current returns the next reading without advancing.
func (c *DeterministicClock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the next reading to ms.
func (c *DeterministicClock) Set(ms uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// SetStep changes how far each reading advances the clock. A step of 0
// freezes time, which is how tests force LWW timestamp ties.
func (c *DeterministicClock) SetStep(step uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

// Reset rewinds the clock to its start value.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
