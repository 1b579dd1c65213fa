// Package fixity re-validates the stored checksums of datastream versions in
// the background, at a bounded read rate.
//
// A mismatch is recorded and reported, but never blocks access to the
// content.
package fixity

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/repository"
	"github.com/ndlib/dorepo/store"
	"github.com/ndlib/dorepo/util"
)

// Status is the outcome of checking one version.
type Status string

// The possible outcomes.
const (
	OK       Status = "ok"
	Mismatch Status = "mismatch"
	Error    Status = "error"
)

// Result records the last check of one datastream version.
type Result struct {
	PID       string
	DSID      string
	VersionID string
	Checked   time.Time
	Status    Status
	Notes     string `json:",omitempty"`
}

// Repository is the part of the repository the checker reads.
type Repository interface {
	List() ([]string, error)
	Object(pid string) (*repository.Object, error)
	Resolver() *datastream.Resolver
}

// A Checker walks every object in a repository, over and over.
type Checker struct {
	repo  Repository
	rate  *util.RateCounter
	clock clock.Clock

	// Pause is how long to wait after a full pass before starting the next.
	Pause time.Duration

	// MinAge keeps a version from being checked again sooner than this.
	MinAge time.Duration

	// State, if set, keeps the results across restarts.
	State *store.JSONStore

	m       sync.Mutex        // protects results
	results map[string]Result // keyed by pid/dsid/version
	done    chan struct{}
	wg      sync.WaitGroup
}

const stateKey = "fixity-results"

// New returns a checker reading content at no more than bytesPerSecond.
func New(repo Repository, bytesPerSecond float64) *Checker {
	return NewClock(repo, bytesPerSecond, clock.New())
}

// NewClock is New with the given clock.
func NewClock(repo Repository, bytesPerSecond float64, clk clock.Clock) *Checker {
	return &Checker{
		repo:    repo,
		rate:    util.NewRateCounterClock(bytesPerSecond, clk),
		clock:   clk,
		Pause:   time.Hour,
		MinAge:  180 * 24 * time.Hour,
		results: make(map[string]Result),
		done:    make(chan struct{}),
	}
}

// Start loads saved results and starts checking in the background.
func (c *Checker) Start() error {
	if c.State != nil {
		var saved []Result
		err := c.State.Load(stateKey, &saved)
		if err != nil && !errors.Is(err, store.ErrNotExist) {
			return err
		}
		c.m.Lock()
		for _, r := range saved {
			c.results[resultKey(r.PID, r.DSID, r.VersionID)] = r
		}
		c.m.Unlock()
	}
	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop halts the background checking and waits for it to exit. A checker
// cannot be restarted.
func (c *Checker) Stop() {
	close(c.done)
	c.rate.Stop()
	c.wg.Wait()
	c.save()
}

func (c *Checker) run() {
	defer c.wg.Done()
	for {
		pids, err := c.repo.List()
		if err != nil {
			log.Printf("fixity: listing objects: %s", err)
		}
		for _, p := range pids {
			select {
			case <-c.done:
				return
			default:
			}
			if _, err := c.CheckObject(context.Background(), p); err != nil {
				log.Printf("fixity: %s: %s", p, err)
			}
		}
		c.save()
		select {
		case <-c.done:
			return
		case <-c.clock.After(c.Pause):
		}
	}
}

// CheckObject validates every version of every datastream of the object
// which has a stored digest and was not checked within MinAge.
func (c *Checker) CheckObject(ctx context.Context, pid string) ([]Result, error) {
	obj, err := c.repo.Object(pid)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, dsID := range obj.DatastreamIDs() {
		ds := obj.Datastreams[dsID]
		if ds.ControlGroup == datastream.ExternalRef || ds.ControlGroup == datastream.Redirect {
			continue
		}
		for _, v := range ds.Versions() {
			if !v.HasChecksum() || !c.due(pid, dsID, v.ID) {
				continue
			}
			r := c.check(ctx, ds, v)
			if r.Status == "" {
				// stopped in the middle
				return results, nil
			}
			c.m.Lock()
			c.results[resultKey(pid, dsID, v.ID)] = r
			c.m.Unlock()
			results = append(results, r)
		}
	}
	return results, nil
}

func (c *Checker) due(pid, dsID, versionID string) bool {
	c.m.Lock()
	defer c.m.Unlock()
	r, ok := c.results[resultKey(pid, dsID, versionID)]
	return !ok || c.clock.Now().Sub(r.Checked) >= c.MinAge
}

func (c *Checker) check(ctx context.Context, ds *datastream.Datastream, v datastream.Version) Result {
	r := Result{
		PID:       ds.PID,
		DSID:      ds.ID,
		VersionID: v.ID,
		Checked:   c.clock.Now().UTC(),
	}
	rc, err := c.repo.Resolver().Open(ctx, ds, v)
	if err == nil {
		rd := c.rate.Wrap(rc)
		if ds.ControlGroup == datastream.InlineXML {
			err = checksum.VerifyXML(v.ChecksumType, v.Checksum, rd)
		} else {
			err = checksum.Verify(v.ChecksumType, v.Checksum, rd)
		}
		rc.Close()
	}
	var mm *checksum.MismatchError
	switch {
	case errors.Is(err, util.ErrStopped):
		return Result{}
	case err == nil:
		r.Status = OK
	case errors.As(err, &mm):
		r.Status = Mismatch
		r.Notes = err.Error()
		log.Printf("fixity: %s/%s/%s: %s", ds.PID, ds.ID, v.ID, err)
		raven.CaptureError(err, map[string]string{
			"pid":     ds.PID,
			"dsid":    ds.ID,
			"version": v.ID,
		})
	default:
		r.Status = Error
		r.Notes = err.Error()
		log.Printf("fixity: %s/%s/%s: %s", ds.PID, ds.ID, v.ID, err)
	}
	return r
}

// Results returns the latest result for every version checked, ordered by
// pid, datastream and version.
func (c *Checker) Results() []Result {
	c.m.Lock()
	var result []Result
	for _, r := range c.results {
		result = append(result, r)
	}
	c.m.Unlock()
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		return resultKey(a.PID, a.DSID, a.VersionID) < resultKey(b.PID, b.DSID, b.VersionID)
	})
	return result
}

func (c *Checker) save() {
	if c.State == nil {
		return
	}
	if err := c.State.Save(stateKey, c.Results()); err != nil {
		log.Printf("fixity: saving results: %s", err)
	}
}

func resultKey(pid, dsID, versionID string) string {
	return pid + "/" + dsID + "/" + versionID
}
