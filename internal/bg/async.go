package bg

// Async runs every task on its own goroutine. It is the default runner for
// backends created without a caller-supplied pool.
type Async struct{}

// Do starts fn on a new goroutine and returns immediately.
func (Async) Do(fn func()) {
	go fn()
}
