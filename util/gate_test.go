package util

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateMaximum(t *testing.T) {
	// create 10 goroutines trying to enter a gate that can only hold 5
	g := NewGate(5)
	var nenter int64
	for i := 0; i < 10; i++ {
		go func() {
			g.Enter()
			atomic.AddInt64(&nenter, 1)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if n := atomic.LoadInt64(&nenter); n != 5 {
		t.Errorf("Received %d enters, expected %d", n, 5)
	}
	if g.TryEnter() {
		t.Errorf("TryEnter succeeded on a full gate")
	}

	g.Leave()
	g.Leave()
	time.Sleep(10 * time.Millisecond)
	if n := atomic.LoadInt64(&nenter); n != 7 {
		t.Errorf("Received %d enters, expected %d", n, 7)
	}
}

func TestGateContext(t *testing.T) {
	g := NewGate(1)
	if err := g.EnterContext(context.Background()); err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := g.EnterContext(ctx); err != context.DeadlineExceeded {
		t.Errorf("Got %v, expected %v", err, context.DeadlineExceeded)
	}
	g.Leave()
	if !g.TryEnter() {
		t.Errorf("TryEnter failed on an empty gate")
	}
}
