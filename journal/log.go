package journal

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// A Log is the durable, ordered storage of journal entries.
//
// Append must not return until the entry is durable, and entries must be
// appended with consecutive positions starting at 1. Scan calls fn for each
// entry with a position of at least from, in order, and stops at the first
// error fn returns. ErrStopScan stops a scan without it being an error.
type Log interface {
	Append(e *Entry) error
	Scan(from uint64, fn func(*Entry) error) error
	Last() (uint64, error)
	Close() error
}

var (
	ErrStopScan    = errors.New("stop scan")
	ErrOutOfOrder  = errors.New("entry position out of order")
	ErrLogClosed   = errors.New("journal log is closed")
	ErrCorruptLog  = errors.New("journal log is corrupt")
	ErrUnknownLog  = errors.New("unknown journal location")
	ErrNoSuchEntry = errors.New("no such journal entry")
)

func checkNext(last uint64, e *Entry) error {
	if e.Position != last+1 {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, e.Position, last)
	}
	return nil
}

// MemoryLog keeps encoded entries in memory.
type MemoryLog struct {
	m       sync.RWMutex
	entries [][]byte
	closed  bool
}

var _ Log = &MemoryLog{}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (ml *MemoryLog) Append(e *Entry) error {
	b, err := Marshal(e)
	if err != nil {
		return err
	}
	ml.m.Lock()
	defer ml.m.Unlock()
	if ml.closed {
		return ErrLogClosed
	}
	if err := checkNext(uint64(len(ml.entries)), e); err != nil {
		return err
	}
	ml.entries = append(ml.entries, b)
	return nil
}

func (ml *MemoryLog) Scan(from uint64, fn func(*Entry) error) error {
	if from == 0 {
		from = 1
	}
	ml.m.RLock()
	entries := ml.entries
	ml.m.RUnlock()
	for i := from - 1; i < uint64(len(entries)); i++ {
		e, err := Unmarshal(entries[i])
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	return nil
}

func (ml *MemoryLog) Last() (uint64, error) {
	ml.m.RLock()
	defer ml.m.RUnlock()
	return uint64(len(ml.entries)), nil
}

func (ml *MemoryLog) Close() error {
	ml.m.Lock()
	ml.closed = true
	ml.m.Unlock()
	return nil
}
