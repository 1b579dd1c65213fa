// Package util holds small concurrency helpers shared by the background
// workers: a Gate to bound how many goroutines do something at once, and a
// RateCounter to bound how many bytes per second they read.
package util

import "context"

// A Gate limits concurrency. Every gate has a maximum number of goroutines to
// allow through at a time. Goroutines enter the gate by calling Enter(), and
// signal that they are done by calling Leave().
type Gate chan struct{}

// NewGate returns a Gate which accepts at most n entries at a time.
func NewGate(n int) Gate {
	return Gate(make(chan struct{}, n))
}

// Enter blocks the calling goroutine until there are fewer than n goroutines
// inside the gate.
func (g Gate) Enter() {
	g <- struct{}{}
}

// EnterContext is like Enter but gives up when ctx is done, returning the
// context's error. The gate is not entered in that case.
func (g Gate) EnterContext(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnter enters the gate only if that would not block.
func (g Gate) TryEnter() bool {
	select {
	case g <- struct{}{}:
		return true
	default:
		return false
	}
}

// Leave marks a goroutine outside the critical section. Each successful
// Enter must be balanced by one Leave, though not necessarily from the same
// goroutine.
func (g Gate) Leave() {
	<-g
}
