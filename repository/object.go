package repository

import (
	"sort"
	"time"

	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/pid"
)

// An Object is a digital object: a PID, some properties, and its
// datastreams. Objects handed out by the repository are snapshots and must
// not be changed by callers.
type Object struct {
	PID         pid.PID
	Label       string
	OwnerID     string
	State       datastream.State
	Created     time.Time
	Modified    time.Time
	Datastreams map[string]*datastream.Datastream
}

// objectRecord is how an Object is saved.
type objectRecord struct {
	PID         string
	Label       string
	OwnerID     string
	State       datastream.State
	Created     time.Time
	Modified    time.Time
	Datastreams []datastream.Record
}

// DatastreamIDs returns the ids of the object's datastreams in order.
func (o *Object) DatastreamIDs() []string {
	var ids []string
	for id := range o.Datastreams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Object) record() objectRecord {
	r := objectRecord{
		PID:      o.PID.String(),
		Label:    o.Label,
		OwnerID:  o.OwnerID,
		State:    o.State,
		Created:  o.Created,
		Modified: o.Modified,
	}
	for _, id := range o.DatastreamIDs() {
		r.Datastreams = append(r.Datastreams, o.Datastreams[id].Record())
	}
	return r
}

func fromRecord(r objectRecord) (*Object, error) {
	p, err := pid.Parse(r.PID)
	if err != nil {
		return nil, err
	}
	o := &Object{
		PID:         p,
		Label:       r.Label,
		OwnerID:     r.OwnerID,
		State:       r.State,
		Created:     r.Created,
		Modified:    r.Modified,
		Datastreams: make(map[string]*datastream.Datastream),
	}
	for _, dr := range r.Datastreams {
		ds, err := datastream.FromRecord(o.PID.String(), dr)
		if err != nil {
			return nil, err
		}
		o.Datastreams[ds.ID] = ds
	}
	return o, nil
}

// clone returns a deep copy of o which can be changed without affecting
// readers of o.
func (o *Object) clone() *Object {
	c, err := fromRecord(o.record())
	if err != nil {
		// o came from a valid record
		panic(err)
	}
	return c
}

// contentKeys returns the internal content keys used by the versions of ds.
func contentKeys(vs []datastream.Version) map[string]bool {
	keys := make(map[string]bool)
	for _, v := range vs {
		if v.Locator.Kind == datastream.Internal {
			keys[v.Locator.Ref] = true
		}
	}
	return keys
}
