package journal

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
)

// AppendError is returned when an operation succeeded but could not be
// written to the journal. The repository has changed, but the change will
// not reach any follower. Entry holds what was executed, including its
// recovery values.
type AppendError struct {
	Entry *Entry
	Err   error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("journal: %s executed but not journaled: %v", e.Entry.Operation.Kind, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// IsAppendFailure is true if err reports an operation which executed but was
// not journaled, as opposed to one which failed outright.
func IsAppendFailure(err error) bool {
	var ae *AppendError
	return errors.As(err, &ae)
}

// Journaler wraps a Delegate so every successful operation is appended to
// a journal. It is itself a Delegate. Operations which fail are not
// journaled.
//
// Operations run one at a time, each followed by its append, so the
// journal order is the order the operations took effect.
type Journaler struct {
	Delegate Delegate
	Writer   *Writer
	Clock    clock.Clock // nil means the wall clock

	m sync.Mutex // held from execution through append
}

var _ Delegate = &Journaler{}

// NewJournaler returns a Journaler applying operations to d and appending
// them to w.
func NewJournaler(d Delegate, w *Writer) *Journaler {
	return &Journaler{Delegate: d, Writer: w, Clock: clock.New()}
}

// Do runs a single operation and journals it.
func (j *Journaler) Do(ctx *Context, op Operation) (*Entry, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	j.m.Lock()
	defer j.m.Unlock()
	if ctx.Now.IsZero() {
		c := *ctx
		c.Now = j.now()
		ctx = &c
	}
	e := newEntry(ctx, op)
	rec, result, err := dispatch(j.Delegate, ctx, &e.Operation, nil)
	if err != nil {
		e.Status = Failed
		return e, err
	}
	e.Status = Executed
	e.result = result
	e.Recovery = rec
	e.Status = Recorded
	if err := j.Writer.Append(e); err != nil {
		log.Printf("journal: append %s: %s", op.Kind, err)
		return e, &AppendError{Entry: e, Err: err}
	}
	return e, nil
}

func (j *Journaler) now() time.Time {
	if j.Clock == nil {
		return time.Now().UTC()
	}
	return j.Clock.Now().UTC()
}

func (j *Journaler) Ingest(ctx *Context, req *IngestRequest) (string, error) {
	e, err := j.Do(ctx, Operation{Kind: Ingest, Ingest: req})
	p, _ := e.Recovery.Get(RecoverPID)
	return p, err
}

func (j *Journaler) ModifyObject(ctx *Context, args *ObjectArgs) error {
	_, err := j.Do(ctx, Operation{Kind: ModifyObject, Object: args})
	return err
}

func (j *Journaler) PurgeObject(ctx *Context, pid string) error {
	_, err := j.Do(ctx, Operation{Kind: PurgeObject, Object: &ObjectArgs{PID: pid}})
	return err
}

func (j *Journaler) AddDatastream(ctx *Context, pid string, req *DatastreamRequest) (VersionResult, error) {
	e, err := j.Do(ctx, Operation{
		Kind:       AddDatastream,
		Datastream: &DatastreamArgs{PID: pid, DSID: req.ID, Request: req},
	})
	return versionResult(e.Recovery), err
}

func (j *Journaler) ModifyDatastream(ctx *Context, pid, dsID string, req *DatastreamRequest) (VersionResult, error) {
	e, err := j.Do(ctx, Operation{
		Kind:       ModifyDatastream,
		Datastream: &DatastreamArgs{PID: pid, DSID: dsID, Request: req},
	})
	return versionResult(e.Recovery), err
}

func (j *Journaler) SetDatastreamState(ctx *Context, pid, dsID string, state datastream.State) error {
	_, err := j.Do(ctx, Operation{
		Kind:       SetDatastreamState,
		Datastream: &DatastreamArgs{PID: pid, DSID: dsID, State: state},
	})
	return err
}

func (j *Journaler) PurgeDatastream(ctx *Context, pid, dsID string, start, end time.Time) ([]time.Time, error) {
	e, err := j.Do(ctx, Operation{
		Kind:       PurgeDatastream,
		Datastream: &DatastreamArgs{PID: pid, DSID: dsID, Start: start, End: end},
	})
	dates, _ := e.result.([]time.Time)
	return dates, err
}

// GetNextPID allocates n PIDs. A pinned list may not be given to a
// Journaler; pinning happens only on replay.
func (j *Journaler) GetNextPID(ctx *Context, namespace string, n int, pinned []string) ([]string, error) {
	if len(pinned) > 0 {
		return nil, fmt.Errorf("%w: pinned pids outside of replay", ErrBadOperation)
	}
	e, err := j.Do(ctx, Operation{Kind: GetNextPID, NextPID: &NextPIDArgs{Namespace: namespace, N: n}})
	return e.Recovery.List(RecoverPIDList), err
}

// PutTempStream reads r completely, since the content is kept in the
// journal entry.
func (j *Journaler) PutTempStream(ctx *Context, r io.Reader, pinnedID string) (string, error) {
	if pinnedID != "" {
		return "", fmt.Errorf("%w: pinned upload id outside of replay", ErrBadOperation)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", errors.Wrap(err, "reading temp stream")
	}
	e, err := j.Do(ctx, Operation{Kind: PutTempStream, TempStream: &TempStreamArgs{Content: buf.Bytes()}})
	id, _ := e.Recovery.Get(RecoverUploadID)
	return id, err
}

func versionResult(rec Recovery) VersionResult {
	var vr VersionResult
	vr.DSID, _ = rec.Get(RecoverDSID)
	vr.VersionID, _ = rec.Get(RecoverVersionID)
	if v := rec.List(RecoverChecksum); len(v) == 2 {
		vr.ChecksumType = checksum.Type(v[0])
		vr.Checksum = v[1]
	}
	return vr
}
