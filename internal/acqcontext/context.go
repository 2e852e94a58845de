// Package acqcontext implements the Acquisition Context (spec.md §4.A):
// a pure control record — timepoint index, abort flag, progression
// policy — with no references to state machines or stores, guarded by a
// single mutex.
package acqcontext

import (
	"sync"

	"github.com/cephla-io/squid-acquisition/internal/types"
)

// Context tracks timepoint progression and the run-wide abort flag. It
// is created at run start and destroyed at run end or abort.
type Context struct {
	mu       sync.Mutex
	current  int
	total    int
	aborted  bool
	progress types.ProgressionPolicy
}

// New constructs a Context for a run of totalTimepoints timepoints
// (>= 1) under the given progression policy.
func New(totalTimepoints int, progress types.ProgressionPolicy) *Context {
	if totalTimepoints < 1 {
		totalTimepoints = 1
	}
	return &Context{total: totalTimepoints, progress: progress}
}

// CurrentTimepoint returns the 0-based index of the timepoint in
// progress.
func (c *Context) CurrentTimepoint() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// TotalTimepoints returns the configured run length.
func (c *Context) TotalTimepoints() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Advance increments the timepoint index and returns the new value.
func (c *Context) Advance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}

// RequestAbort sets the abort flag. Idempotent.
func (c *Context) RequestAbort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
}

// IsAborted reports whether RequestAbort has been called.
func (c *Context) IsAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// ProgressionPolicy returns the configured between-timepoint advancement
// rule.
func (c *Context) ProgressionPolicy() types.ProgressionPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Done reports whether the run loop should terminate: either every
// timepoint has been captured or the run has been aborted.
func (c *Context) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted || c.current >= c.total
}
