// Package bg abstracts where background work runs.
//
// I/O backends hand their long-running event loops to a Runner instead of
// spawning goroutines themselves. Callers that already manage a worker pool
// pass it in; everyone else gets Async.
package bg

import "sync/atomic"

// Runner executes functions, either inline or on some other goroutine.
type Runner interface {
	// Do executes fn. Implementations decide whether this blocks.
	Do(fn func())
}

// Func adapts a plain function to the Runner interface.
type Func func(fn func())

// Do calls f(fn).
func (f Func) Do(fn func()) {
	f(fn)
}

// Counting wraps a Runner and records how many tasks were submitted to it.
//
// The zero value is not usable; construct with NewCounting.
type Counting struct {
	inner     Runner
	submitted atomic.Int64
}

// NewCounting returns a Counting runner delegating to inner.
// A nil inner runner defaults to Async.
func NewCounting(inner Runner) *Counting {
	if inner == nil {
		inner = Async{}
	}
	return &Counting{inner: inner}
}

// Do records the submission and forwards fn to the wrapped runner.
func (c *Counting) Do(fn func()) {
	c.submitted.Add(1)
	c.inner.Do(fn)
}

// Submitted reports the number of tasks handed to Do so far.
func (c *Counting) Submitted() int64 {
	return c.submitted.Load()
}
