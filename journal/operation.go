// Package journal records every mutating repository operation in a durable,
// ordered log, and replays that log against another repository instance.
//
// An operation is executed first. Only when it succeeds are the values it
// produced which cannot be recomputed (assigned PIDs, allocated PID lists,
// upload ids) recorded as recovery values, and the entry appended to the
// log. Replay forces those recorded values back into the operation, so the
// replaying instance ends up with the same identifiers no matter what its
// own allocators would have produced.
package journal

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
)

// Kind names a type of management operation.
type Kind string

// The operation kinds.
const (
	Ingest             Kind = "ingest"
	ModifyObject       Kind = "modifyObject"
	PurgeObject        Kind = "purgeObject"
	AddDatastream      Kind = "addDatastream"
	ModifyDatastream   Kind = "modifyDatastream"
	SetDatastreamState Kind = "setDatastreamState"
	PurgeDatastream    Kind = "purgeDatastream"
	GetNextPID         Kind = "getNextPID"
	PutTempStream      Kind = "putTempStream"
)

// Context is passed to every delegate call.
type Context struct {
	Caller string    // opaque identity of whoever asked for the operation
	Now    time.Time // the time of the operation, fixed for replays
	Replay bool      // true when the call comes from a journal replay
}

// IngestRequest describes a new object.
type IngestRequest struct {
	PID         string `cbor:",omitempty"` // empty to have one assigned
	Label       string
	OwnerID     string
	State       datastream.State
	Datastreams []DatastreamRequest
}

// DatastreamRequest describes a datastream to add, or a new version of an
// existing one. Content is given by Locator: inline bytes for inline XML, or
// an internal key, upload or URL for the other control groups.
type DatastreamRequest struct {
	ID           string
	ControlGroup datastream.ControlGroup
	State        datastream.State
	Versionable  bool
	AltIDs       []string `cbor:",omitempty"`
	VersionID    string   `cbor:",omitempty"` // assigned if empty
	Label        string
	MIMEType     string
	FormatURI    string `cbor:",omitempty"`
	Locator      datastream.Locator
	ChecksumType checksum.Type
	Checksum     string `cbor:",omitempty"` // verified if given
}

// VersionResult is what a datastream write produced.
type VersionResult struct {
	DSID         string
	VersionID    string
	ChecksumType checksum.Type
	Checksum     string
}

// ObjectArgs are the arguments of the object level operations.
type ObjectArgs struct {
	PID     string
	Label   *string           `cbor:",omitempty"`
	OwnerID *string           `cbor:",omitempty"`
	State   *datastream.State `cbor:",omitempty"`
}

// DatastreamArgs are the arguments of the datastream level operations.
type DatastreamArgs struct {
	PID     string
	DSID    string
	Request *DatastreamRequest `cbor:",omitempty"`
	State   datastream.State   `cbor:",omitempty"`
	Start   time.Time          // zero for an open range
	End     time.Time
}

// NextPIDArgs are the arguments of GetNextPID.
type NextPIDArgs struct {
	Namespace string
	N         int
}

// TempStreamArgs carries the staged content itself, so a follower can
// recreate the upload.
type TempStreamArgs struct {
	Content []byte
}

// Operation is one management call: a kind and the arguments for that kind.
// Exactly one of the argument pointers is set.
type Operation struct {
	Kind       Kind
	Ingest     *IngestRequest  `cbor:",omitempty"`
	Object     *ObjectArgs     `cbor:",omitempty"`
	Datastream *DatastreamArgs `cbor:",omitempty"`
	NextPID    *NextPIDArgs    `cbor:",omitempty"`
	TempStream *TempStreamArgs `cbor:",omitempty"`
}

// The recovery value names.
const (
	RecoverPID       = "pid"
	RecoverPIDList   = "pidList"
	RecoverUploadID  = "uploadId"
	RecoverDSID      = "dsId"
	RecoverVersionID = "versionId"
	RecoverChecksum  = "checksum"
)

var ErrRecoveryValueSet = errors.New("recovery value already set")

// Recovery holds the outputs of an operation which replay must use instead
// of computing them again. Each name may be set only once.
type Recovery map[string][]string

// Set records a value. It is an error to set a name twice.
func (r Recovery) Set(name string, values ...string) error {
	if _, ok := r[name]; ok {
		return fmt.Errorf("%w: %s", ErrRecoveryValueSet, name)
	}
	r[name] = append([]string{}, values...)
	return nil
}

// Get returns the first value recorded under name.
func (r Recovery) Get(name string) (string, bool) {
	v, ok := r[name]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// List returns every value recorded under name.
func (r Recovery) List(name string) []string {
	return r[name]
}

// Delegate applies management operations to live repository state. Each
// method takes arguments which have already been validated.
type Delegate interface {
	Ingest(ctx *Context, req *IngestRequest) (string, error)
	ModifyObject(ctx *Context, args *ObjectArgs) error
	PurgeObject(ctx *Context, pid string) error
	AddDatastream(ctx *Context, pid string, req *DatastreamRequest) (VersionResult, error)
	ModifyDatastream(ctx *Context, pid, dsID string, req *DatastreamRequest) (VersionResult, error)
	SetDatastreamState(ctx *Context, pid, dsID string, state datastream.State) error
	PurgeDatastream(ctx *Context, pid, dsID string, start, end time.Time) ([]time.Time, error)
	GetNextPID(ctx *Context, namespace string, n int, pinned []string) ([]string, error)
	PutTempStream(ctx *Context, r io.Reader, pinnedID string) (string, error)
}

var ErrBadOperation = errors.New("malformed operation")

// Check makes sure the operation names a known kind and carries the
// arguments for that kind.
func (op *Operation) Check() error {
	ok := false
	switch op.Kind {
	case Ingest:
		ok = op.Ingest != nil
	case ModifyObject, PurgeObject:
		ok = op.Object != nil && op.Object.PID != ""
	case AddDatastream, ModifyDatastream:
		ok = op.Datastream != nil && op.Datastream.Request != nil
	case SetDatastreamState, PurgeDatastream:
		ok = op.Datastream != nil && op.Datastream.DSID != ""
	case GetNextPID:
		ok = op.NextPID != nil && op.NextPID.N > 0
	case PutTempStream:
		ok = op.TempStream != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadOperation, op.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: missing arguments for %s", ErrBadOperation, op.Kind)
	}
	return nil
}

// dispatch calls the delegate method for op. When pinned is non-nil its
// recovery values are forced into the call. The recovery values produced by
// the call are returned, along with any other result which is not recorded.
func dispatch(d Delegate, ctx *Context, op *Operation, pinned Recovery) (Recovery, interface{}, error) {
	if err := op.Check(); err != nil {
		return nil, nil, err
	}
	var result interface{}
	rec := make(Recovery)
	switch op.Kind {
	case Ingest:
		req := *op.Ingest
		if p, ok := pinned.Get(RecoverPID); ok {
			req.PID = p
		}
		p, err := d.Ingest(ctx, &req)
		if err != nil {
			return nil, nil, err
		}
		rec.Set(RecoverPID, p)

	case ModifyObject:
		if err := d.ModifyObject(ctx, op.Object); err != nil {
			return nil, nil, err
		}

	case PurgeObject:
		if err := d.PurgeObject(ctx, op.Object.PID); err != nil {
			return nil, nil, err
		}

	case AddDatastream, ModifyDatastream:
		args := op.Datastream
		req := *args.Request
		if v, ok := pinned.Get(RecoverDSID); ok {
			req.ID = v
		}
		if v, ok := pinned.Get(RecoverVersionID); ok {
			req.VersionID = v
		}
		if v := pinned.List(RecoverChecksum); len(v) == 2 {
			req.ChecksumType = checksum.Type(v[0])
			req.Checksum = v[1]
		}
		var vr VersionResult
		var err error
		if op.Kind == AddDatastream {
			vr, err = d.AddDatastream(ctx, args.PID, &req)
		} else {
			vr, err = d.ModifyDatastream(ctx, args.PID, args.DSID, &req)
		}
		if err != nil {
			return nil, nil, err
		}
		rec.Set(RecoverDSID, vr.DSID)
		rec.Set(RecoverVersionID, vr.VersionID)
		if vr.Checksum != "" && vr.Checksum != checksum.None {
			rec.Set(RecoverChecksum, string(vr.ChecksumType), vr.Checksum)
		}

	case SetDatastreamState:
		args := op.Datastream
		if err := d.SetDatastreamState(ctx, args.PID, args.DSID, args.State); err != nil {
			return nil, nil, err
		}

	case PurgeDatastream:
		args := op.Datastream
		dates, err := d.PurgeDatastream(ctx, args.PID, args.DSID, args.Start, args.End)
		if err != nil {
			return nil, nil, err
		}
		result = dates

	case GetNextPID:
		pids, err := d.GetNextPID(ctx, op.NextPID.Namespace, op.NextPID.N, pinned.List(RecoverPIDList))
		if err != nil {
			return nil, nil, err
		}
		rec.Set(RecoverPIDList, pids...)

	case PutTempStream:
		pin, _ := pinned.Get(RecoverUploadID)
		id, err := d.PutTempStream(ctx, bytes.NewReader(op.TempStream.Content), pin)
		if err != nil {
			return nil, nil, err
		}
		rec.Set(RecoverUploadID, id)
	}
	return rec, result, nil
}
