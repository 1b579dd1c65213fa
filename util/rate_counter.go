package util

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// A RateCounter limits how many bytes per second are read through it. It is
// used to keep background checksum validation from starving foreground
// requests of disk bandwidth.
//
// Every interval the pool of credits is refilled. Reads remove credits from
// the pool. If the pool goes negative, readers wait until it is positive
// again.
type RateCounter struct {
	c       chan struct{} // receives while credits are positive
	stop    chan struct{} // close to signal adder goroutine to exit
	m       sync.Mutex    // protects below
	credits int64         // current credit balance
}

// RateInterval is the time between refills of the credit pool. The shorter
// it is, the more waking and churning we do. The longer it is, the longer a
// reader may wait for credits.
const RateInterval = 1 * time.Minute

// ErrStopped means a read failed because the governing rate counter was stopped.
var ErrStopped = errors.New("RateCounter stopped")

// NewRateCounter returns a counter allowing rate bytes per second on
// average, using the wall clock.
func NewRateCounter(rate float64) *RateCounter {
	return NewRateCounterClock(rate, clock.New())
}

// NewRateCounterClock is NewRateCounter with an explicit clock.
func NewRateCounterClock(rate float64, clk clock.Clock) *RateCounter {
	amount := int64(rate * RateInterval.Seconds())
	r := &RateCounter{
		c:       make(chan struct{}),
		stop:    make(chan struct{}),
		credits: amount,
	}
	go r.adder(amount, clk.Ticker(RateInterval))
	return r
}

// Use some number of units. It is okay if it takes this counter negative.
func (r *RateCounter) Use(count int64) {
	r.m.Lock()
	r.credits -= count
	r.m.Unlock()
}

// Credits returns the current balance.
func (r *RateCounter) Credits() int64 {
	r.m.Lock()
	defer r.m.Unlock()
	return r.credits
}

// OK returns a channel to wait on. It will receive an empty struct when it
// is OK to resume reading. The channel is closed once the RateCounter is
// stopped.
func (r *RateCounter) OK() <-chan struct{} {
	return r.c
}

// Stop the background goroutine refilling the RateCounter. Will panic if
// called twice.
func (r *RateCounter) Stop() {
	close(r.stop)
}

func (r *RateCounter) adder(amount int64, tick *clock.Ticker) {
	defer tick.Stop()
	for {
		var signal chan struct{}
		r.m.Lock()
		if r.credits > 0 {
			signal = r.c
		}
		r.m.Unlock()
		select {
		case <-tick.C:
			r.Use(-amount) // add amount to credits!
		case signal <- struct{}{}:
		case <-r.stop:
			close(r.c)
			return
		}
	}
}

// Wrap takes an io.Reader and returns a new one where reads are limited by
// this RateCounter. Reads block until the RateCounter has credit. More than
// one goroutine may use the same RateCounter. Once the RateCounter is
// stopped the returned reader fails with ErrStopped.
func (r *RateCounter) Wrap(reader io.Reader) io.Reader {
	return rateReader{reader: reader, rate: r}
}

type rateReader struct {
	reader io.Reader
	rate   *RateCounter
}

func (r rateReader) Read(p []byte) (int, error) {
	if _, ok := <-r.rate.OK(); !ok {
		return 0, ErrStopped
	}
	n, err := r.reader.Read(p)
	r.rate.Use(int64(n))
	return n, err
}
