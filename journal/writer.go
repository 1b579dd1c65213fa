package journal

import (
	"sync"
	"sync/atomic"

	"github.com/facebookgo/stats"
)

// Writer is the single point through which entries are appended to a Log.
// Appends are serialized, so positions are gap-free and increasing. Readers
// going through the Writer see only entries up to the last one which was
// fully appended.
type Writer struct {
	log   Log
	Stats stats.Client // may be nil

	m       sync.Mutex // serializes appends
	durable uint64     // accessed atomically
}

// NewWriter returns a writer appending to l.
func NewWriter(l Log) (*Writer, error) {
	last, err := l.Last()
	if err != nil {
		return nil, err
	}
	return &Writer{log: l, durable: last}, nil
}

// Append assigns e the next position and appends it to the log. On success
// e has status Appended. On failure e keeps its status and the position is
// not used.
func (w *Writer) Append(e *Entry) error {
	defer stats.BumpTime(w.Stats, "journal.append.time").End()
	w.m.Lock()
	defer w.m.Unlock()
	e.Position = atomic.LoadUint64(&w.durable) + 1
	if err := w.log.Append(e); err != nil {
		e.Position = 0
		stats.BumpSum(w.Stats, "journal.append.error", 1)
		return err
	}
	atomic.StoreUint64(&w.durable, e.Position)
	e.Status = Appended
	stats.BumpSum(w.Stats, "journal.append", 1)
	return nil
}

// Last returns the position of the last durable entry.
func (w *Writer) Last() (uint64, error) {
	return atomic.LoadUint64(&w.durable), nil
}

// Scan reads entries from the log starting at from, stopping at the last
// durable entry as of the start of the scan.
func (w *Writer) Scan(from uint64, fn func(*Entry) error) error {
	limit := atomic.LoadUint64(&w.durable)
	return w.log.Scan(from, func(e *Entry) error {
		if e.Position > limit {
			return ErrStopScan
		}
		return fn(e)
	})
}

// Close closes the underlying log.
func (w *Writer) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	return w.log.Close()
}
