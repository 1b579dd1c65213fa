package journal

import (
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/store"
)

var ErrReplayConflict = errors.New("replay conflict")

// ConflictError reports a journal entry which could not be applied to the
// local repository during replay. It does not stop the replay.
type ConflictError struct {
	Position uint64
	Kind     Kind
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("replay conflict at entry %d (%s): %v", e.Position, e.Kind, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrReplayConflict }

// A Source is anything entries can be read from in order: a Log, a Writer,
// or the journal feed of another repository.
type Source interface {
	Scan(from uint64, fn func(*Entry) error) error
	Last() (uint64, error)
}

// Report summarizes one replay pass.
type Report struct {
	Applied   int
	Conflicts []*ConflictError
	Last      uint64 // position of the last entry looked at
}

// Replayer applies journal entries to a delegate, forcing each entry's
// recovery values into the operation.
type Replayer struct {
	Delegate Delegate
	Stats    stats.Client // may be nil
}

// Replay applies every entry of src from position from onward. Entries which
// cannot be applied are logged, reported to sentry, collected in the report
// and skipped. An error is returned only if src itself fails.
func (r *Replayer) Replay(src Source, from uint64) (Report, error) {
	var report Report
	err := src.Scan(from, func(e *Entry) error {
		if ce := r.Apply(e); ce != nil {
			report.Conflicts = append(report.Conflicts, ce)
		} else {
			report.Applied++
		}
		report.Last = e.Position
		return nil
	})
	return report, err
}

// Apply replays a single entry. It returns nil if the entry was applied.
func (r *Replayer) Apply(e *Entry) *ConflictError {
	defer stats.BumpTime(r.Stats, "replay.time").End()
	ctx := &Context{
		Caller: e.Caller,
		Now:    e.Timestamp,
		Replay: true,
	}
	_, _, err := dispatch(r.Delegate, ctx, &e.Operation, e.Recovery)
	if err == nil {
		stats.BumpSum(r.Stats, "replay.applied", 1)
		return nil
	}
	ce := &ConflictError{Position: e.Position, Kind: e.Operation.Kind, Err: err}
	log.Printf("journal: %s", ce)
	raven.CaptureError(ce, map[string]string{
		"kind":     string(e.Operation.Kind),
		"position": strconv.FormatUint(e.Position, 10),
	})
	stats.BumpSum(r.Stats, "replay.conflict", 1)
	return ce
}

// A Follower keeps a local repository in step with another one by
// periodically replaying new entries from its journal.
type Follower struct {
	Source   Source
	Replayer *Replayer
	Interval time.Duration
	Clock    clock.Clock

	// State, if set, persists the position of the last replayed entry
	// across restarts.
	State *store.JSONStore

	last uint64 // accessed atomically
	done chan struct{}
}

const followerKey = "follower-position"

type followerState struct {
	Last uint64
}

// NewFollower returns a follower which will poll src every interval.
func NewFollower(src Source, d Delegate, interval time.Duration) *Follower {
	return &Follower{
		Source:   src,
		Replayer: &Replayer{Delegate: d},
		Interval: interval,
		Clock:    clock.New(),
	}
}

// Last returns the position of the last entry the follower has replayed.
func (f *Follower) Last() uint64 {
	return atomic.LoadUint64(&f.last)
}

// Start loads any saved position and begins polling in the background.
func (f *Follower) Start() error {
	if f.State != nil {
		var st followerState
		err := f.State.Load(followerKey, &st)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return err
		}
		atomic.StoreUint64(&f.last, st.Last)
	}
	f.done = make(chan struct{})
	go f.run()
	return nil
}

// Stop ends the polling goroutine.
func (f *Follower) Stop() {
	close(f.done)
}

func (f *Follower) run() {
	log.Printf("journal: following from entry %d", f.Last()+1)
	t := f.Clock.Ticker(f.Interval)
	defer t.Stop()
	for {
		f.Step()
		select {
		case <-f.done:
			return
		case <-t.C:
		}
	}
}

// Step replays whatever is new in the source. It is not safe to call Step
// concurrently with itself or with a running follower.
func (f *Follower) Step() (Report, error) {
	last := f.Last()
	report, err := f.Replayer.Replay(f.Source, last+1)
	if err != nil {
		log.Printf("journal: following: %s", err)
	}
	if report.Last > last {
		last = report.Last
		atomic.StoreUint64(&f.last, last)
		if f.State != nil {
			if err := f.State.Save(followerKey, followerState{Last: last}); err != nil {
				log.Printf("journal: saving follower position: %s", err)
			}
		}
	}
	if report.Applied > 0 || len(report.Conflicts) > 0 {
		log.Printf("journal: replayed %d entries, %d conflicts, now at %d",
			report.Applied, len(report.Conflicts), last)
	}
	return report, err
}
