// Package repository holds the live state of a digital object repository
// and applies management operations to it. It is the Delegate a journal
// drives, both for operations coming from clients and for replays.
package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/cache"
	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/journal"
	"github.com/ndlib/dorepo/pid"
	"github.com/ndlib/dorepo/store"
	"github.com/ndlib/dorepo/upload"
)

var (
	ErrNotFound           = errors.New("object not found")
	ErrExists             = errors.New("object already exists")
	ErrNoDatastream       = errors.New("datastream not found")
	ErrDatastreamExists   = errors.New("datastream already exists")
	ErrControlGroupChange = errors.New("control group of a datastream cannot change")
	ErrNoContent          = errors.New("no content given")
)

// Options configure a Repository. Metadata and Content are required.
type Options struct {
	Metadata store.Store   // object records and the pid generator
	Content  store.Store   // managed content
	Uploads  *upload.Store // staged uploads; in memory if nil
	Fetcher  datastream.Fetcher

	Namespace       string        // for generated PIDs, "changeme" if empty
	DefaultChecksum checksum.Type // used for checksum.Default, MD5 if empty
	CacheSize       int           // number of objects to keep decoded
	Clock           clock.Clock
}

// Repository is the live object store. Writes to one object are
// serialized; reads never wait for writers.
type Repository struct {
	objects   store.JSONStore
	content   *ContentStore
	uploads   *upload.Store
	resolver  *datastream.Resolver
	pids      *PIDGenerator
	cache     *cache.Cache
	locks     lockTable
	clock     clock.Clock
	namespace string
	defaultCS checksum.Type
}

var _ journal.Delegate = &Repository{}

// New returns a repository using the stores given in opts.
func New(opts Options) (*Repository, error) {
	if opts.Metadata == nil || opts.Content == nil {
		return nil, errors.New("repository needs metadata and content stores")
	}
	pids, err := NewPIDGenerator(store.NewWithPrefix(opts.Metadata, "pid-"))
	if err != nil {
		return nil, err
	}
	r := &Repository{
		objects:   store.NewJSON(store.NewWithPrefix(opts.Metadata, "obj-")),
		content:   NewContentStore(opts.Content),
		uploads:   opts.Uploads,
		pids:      pids,
		cache:     cache.New(opts.CacheSize),
		clock:     opts.Clock,
		namespace: opts.Namespace,
		defaultCS: opts.DefaultChecksum,
	}
	if r.uploads == nil {
		r.uploads = upload.New(store.NewMemory())
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.namespace == "" {
		r.namespace = "changeme"
	}
	if r.defaultCS == "" {
		r.defaultCS = checksum.MD5
	}
	r.resolver = &datastream.Resolver{
		Store:   r.content,
		Temp:    r.uploads,
		Keeper:  r.content,
		Fetcher: opts.Fetcher,
	}
	return r, nil
}

// Uploads returns the repository's temporary upload store.
func (r *Repository) Uploads() *upload.Store { return r.uploads }

// PIDs returns the repository's PID generator.
func (r *Repository) PIDs() *PIDGenerator { return r.pids }

// Resolver returns the resolver used to read datastream content.
func (r *Repository) Resolver() *datastream.Resolver { return r.resolver }

func (r *Repository) now(ctx *journal.Context) time.Time {
	if ctx != nil && !ctx.Now.IsZero() {
		return ctx.Now.UTC()
	}
	return r.clock.Now().UTC()
}

// load returns the current snapshot of the object p.
func (r *Repository) load(p pid.PID) (*Object, error) {
	key := p.Filename()
	info, err := r.objects.Stat(key)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "%s", p)
		}
		return nil, err
	}
	v, err := r.cache.RefreshIfStale(key, info.Modified, func() (interface{}, error) {
		var rec objectRecord
		if err := r.objects.Load(key, &rec); err != nil {
			return nil, err
		}
		return fromRecord(rec)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", p)
	}
	return v.(*Object), nil
}

// save writes obj and makes it the cached snapshot.
func (r *Repository) save(obj *Object) error {
	key := obj.PID.Filename()
	if err := r.objects.Save(key, obj.record()); err != nil {
		return errors.Wrapf(err, "saving %s", obj.PID)
	}
	if info, err := r.objects.Stat(key); err == nil {
		r.cache.Set(key, obj, info.Modified)
	} else {
		r.cache.Invalidate(key)
	}
	return nil
}

func (r *Repository) exists(p pid.PID) bool {
	_, err := r.objects.Stat(p.Filename())
	return err == nil
}

// Ingest creates a new object. If req.PID is empty one is generated.
func (r *Repository) Ingest(ctx *journal.Context, req *journal.IngestRequest) (string, error) {
	var p pid.PID
	var err error
	if req.PID != "" {
		p, err = pid.Parse(req.PID)
		if err != nil {
			return "", err
		}
		if err := r.pids.Reserve(p); err != nil {
			return "", err
		}
	} else {
		pids, err := r.pids.Next(r.namespace, 1)
		if err != nil {
			return "", err
		}
		p = pids[0]
	}
	unlock := r.locks.Lock(p.String())
	defer unlock()
	if r.exists(p) {
		return "", errors.Wrapf(ErrExists, "%s", p)
	}
	now := r.now(ctx)
	obj := &Object{
		PID:         p,
		Label:       req.Label,
		OwnerID:     req.OwnerID,
		State:       req.State,
		Created:     now,
		Modified:    now,
		Datastreams: make(map[string]*datastream.Datastream),
	}
	if obj.State == "" {
		obj.State = datastream.Active
	}
	var written []string
	for i := range req.Datastreams {
		dreq := req.Datastreams[i]
		_, err := r.addDatastream(obj, now, &dreq, &written)
		if err != nil {
			r.discard(written)
			return "", err
		}
	}
	if err := r.save(obj); err != nil {
		r.discard(written)
		return "", err
	}
	log.Printf("repository: ingested %s with %d datastreams", p, len(obj.Datastreams))
	return p.String(), nil
}

// ModifyObject changes the properties of an object which are given.
func (r *Repository) ModifyObject(ctx *journal.Context, args *journal.ObjectArgs) error {
	return r.update(args.PID, func(obj *Object) error {
		if args.Label != nil {
			obj.Label = *args.Label
		}
		if args.OwnerID != nil {
			obj.OwnerID = *args.OwnerID
		}
		if args.State != nil {
			st, err := datastream.ParseState(string(*args.State))
			if err != nil {
				return err
			}
			obj.State = st
		}
		obj.Modified = r.now(ctx)
		return nil
	})
}

// PurgeObject removes an object and all of its managed content. Purging an
// object which does not exist is an error.
func (r *Repository) PurgeObject(ctx *journal.Context, pidstr string) error {
	p, err := pid.Parse(pidstr)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(p.String())
	defer unlock()
	obj, err := r.load(p)
	if err != nil {
		return err
	}
	key := p.Filename()
	if err := r.objects.Delete(key); err != nil {
		return errors.Wrapf(err, "purging %s", p)
	}
	r.cache.Invalidate(key)
	for _, ds := range obj.Datastreams {
		for k := range contentKeys(ds.Versions()) {
			r.content.Delete(k)
		}
	}
	log.Printf("repository: purged %s", p)
	return nil
}

// AddDatastream adds a new datastream to an object. A datastream id of the
// form DS<n> is generated if none is given.
func (r *Repository) AddDatastream(ctx *journal.Context, pidstr string, req *journal.DatastreamRequest) (journal.VersionResult, error) {
	var vr journal.VersionResult
	var written []string
	err := r.update(pidstr, func(obj *Object) error {
		now := r.now(ctx)
		v, err := r.addDatastream(obj, now, req, &written)
		if err != nil {
			return err
		}
		vr = v
		obj.Modified = now
		return nil
	})
	if err != nil {
		r.discard(written)
	}
	return vr, err
}

func (r *Repository) addDatastream(obj *Object, now time.Time, req *journal.DatastreamRequest, written *[]string) (journal.VersionResult, error) {
	id := req.ID
	if id == "" {
		id = nextDatastreamID(obj)
	}
	if _, ok := obj.Datastreams[id]; ok {
		return journal.VersionResult{}, errors.Wrapf(ErrDatastreamExists, "%s/%s", obj.PID, id)
	}
	cg, err := datastream.ParseControlGroup(string(req.ControlGroup))
	if err != nil {
		return journal.VersionResult{}, err
	}
	ds := datastream.New(obj.PID.String(), id, cg)
	if req.State != "" {
		st, err := datastream.ParseState(string(req.State))
		if err != nil {
			return journal.VersionResult{}, err
		}
		ds.SetState(st)
	}
	ds.SetVersionable(req.Versionable)
	ds.SetAltIDs(req.AltIDs)
	v, err := r.newVersion(obj, ds, now, req, nil, written)
	if err != nil {
		return journal.VersionResult{}, err
	}
	if _, err := ds.AddVersion(v); err != nil {
		return journal.VersionResult{}, err
	}
	obj.Datastreams[id] = ds
	return result(ds, v), nil
}

// ModifyDatastream adds a new version to a datastream. If the request has
// no content the new version carries the content of the current version.
func (r *Repository) ModifyDatastream(ctx *journal.Context, pidstr, dsID string, req *journal.DatastreamRequest) (journal.VersionResult, error) {
	var vr journal.VersionResult
	var written, released []string
	err := r.update(pidstr, func(obj *Object) error {
		ds, ok := obj.Datastreams[dsID]
		if !ok {
			return errors.Wrapf(ErrNoDatastream, "%s/%s", obj.PID, dsID)
		}
		if req.ControlGroup != "" && req.ControlGroup != ds.ControlGroup {
			return errors.Wrapf(ErrControlGroupChange, "%s/%s", obj.PID, dsID)
		}
		if req.State != "" {
			st, err := datastream.ParseState(string(req.State))
			if err != nil {
				return err
			}
			ds.SetState(st)
		}
		if req.AltIDs != nil {
			ds.SetAltIDs(req.AltIDs)
		}
		ds.SetVersionable(req.Versionable)
		now := r.now(ctx)
		var prev *datastream.Version
		if cur, ok := ds.Current(); ok {
			prev = &cur
		}
		v, err := r.newVersion(obj, ds, now, req, prev, &written)
		if err != nil {
			return err
		}
		replaced, err := ds.AddVersion(v)
		if err != nil {
			return err
		}
		if replaced != nil && replaced.Locator.Kind == datastream.Internal {
			released = append(released, replaced.Locator.Ref)
		}
		obj.Modified = now
		vr = result(ds, v)
		return nil
	})
	if err != nil {
		r.discard(written)
		return vr, err
	}
	r.discard(released)
	return vr, nil
}

// SetDatastreamState changes the state of a datastream.
func (r *Repository) SetDatastreamState(ctx *journal.Context, pidstr, dsID string, state datastream.State) error {
	st, err := datastream.ParseState(string(state))
	if err != nil {
		return err
	}
	return r.update(pidstr, func(obj *Object) error {
		ds, ok := obj.Datastreams[dsID]
		if !ok {
			return errors.Wrapf(ErrNoDatastream, "%s/%s", obj.PID, dsID)
		}
		ds.SetState(st)
		obj.Modified = r.now(ctx)
		return nil
	})
}

// PurgeDatastream removes the versions of a datastream created between
// start and end, inclusive. Zero times leave that end of the range open. A
// datastream left without versions is removed. The creation dates of the
// purged versions are returned.
func (r *Repository) PurgeDatastream(ctx *journal.Context, pidstr, dsID string, start, end time.Time) ([]time.Time, error) {
	var dates []time.Time
	var released []string
	err := r.update(pidstr, func(obj *Object) error {
		ds, ok := obj.Datastreams[dsID]
		if !ok {
			return errors.Wrapf(ErrNoDatastream, "%s/%s", obj.PID, dsID)
		}
		removed := ds.Purge(start, end)
		for _, v := range removed {
			dates = append(dates, v.Created)
		}
		for k := range contentKeys(removed) {
			released = append(released, k)
		}
		if ds.Len() == 0 {
			delete(obj.Datastreams, dsID)
		}
		obj.Modified = r.now(ctx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.discard(released)
	return dates, nil
}

// GetNextPID allocates n PIDs in namespace ns, or the default namespace if
// ns is empty. When pinned is given those PIDs are reserved and returned
// instead.
func (r *Repository) GetNextPID(ctx *journal.Context, ns string, n int, pinned []string) ([]string, error) {
	if len(pinned) > 0 {
		for _, s := range pinned {
			p, err := pid.Parse(s)
			if err != nil {
				return nil, err
			}
			if err := r.pids.Reserve(p); err != nil {
				return nil, err
			}
		}
		return pinned, nil
	}
	if ns == "" {
		ns = r.namespace
	}
	pids, err := r.pids.Next(ns, n)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range pids {
		out = append(out, p.String())
	}
	return out, nil
}

// PutTempStream stages content in the upload store.
func (r *Repository) PutTempStream(ctx *journal.Context, rd io.Reader, pinnedID string) (string, error) {
	if pinnedID != "" {
		return pinnedID, r.uploads.PutWithID(pinnedID, rd)
	}
	return r.uploads.Put(rd)
}

// update applies fn to a copy of the object and saves the copy if fn
// succeeds.
func (r *Repository) update(pidstr string, fn func(*Object) error) error {
	p, err := pid.Parse(pidstr)
	if err != nil {
		return err
	}
	unlock := r.locks.Lock(p.String())
	defer unlock()
	obj, err := r.load(p)
	if err != nil {
		return err
	}
	obj = obj.clone()
	if err := fn(obj); err != nil {
		return err
	}
	return r.save(obj)
}

// newVersion builds the next version of ds from req. Managed content is
// copied into the content store under a key owned by the version, and its
// declared checksum, if any, verified. prev supplies the content when req
// has none.
func (r *Repository) newVersion(obj *Object, ds *datastream.Datastream, now time.Time, req *journal.DatastreamRequest, prev *datastream.Version, written *[]string) (datastream.Version, error) {
	v := datastream.Version{
		ID:           req.VersionID,
		Label:        req.Label,
		MIMEType:     req.MIMEType,
		FormatURI:    req.FormatURI,
		Created:      now,
		Size:         -1,
		Locator:      req.Locator,
		ChecksumType: checksum.Resolve(req.ChecksumType, r.defaultCS),
		Checksum:     checksum.None,
	}
	if v.ID == "" {
		v.ID = ds.NextVersionID()
	}
	if _, err := checksum.New(v.ChecksumType); err != nil && v.ChecksumType != checksum.Disabled {
		return v, err
	}
	declared := req.Checksum
	if req.Locator.Kind == 0 {
		if prev == nil {
			return v, errors.Wrapf(ErrNoContent, "%s/%s", obj.PID, ds.ID)
		}
		v.Locator = prev.Locator
		if v.MIMEType == "" {
			v.MIMEType = prev.MIMEType
		}
		if v.Label == "" {
			v.Label = prev.Label
		}
	}
	if err := datastream.CheckLocator(ds.ControlGroup, v.Locator); err != nil {
		return v, err
	}

	switch ds.ControlGroup {
	case datastream.InlineXML:
		v.Size = int64(len(v.Locator.Inline))
		if v.ChecksumType == checksum.Disabled {
			break
		}
		sum, err := checksum.ComputeXML(v.ChecksumType, bytes.NewReader(v.Locator.Inline))
		if err != nil {
			return v, errors.Wrapf(err, "%s/%s: inline content", obj.PID, ds.ID)
		}
		if declared != "" && declared != checksum.None {
			if err := checksum.VerifyXML(v.ChecksumType, declared, bytes.NewReader(v.Locator.Inline)); err != nil {
				return v, err
			}
		}
		v.Checksum = sum

	case datastream.Managed:
		src, err := r.openSource(ds, v)
		if err != nil {
			return v, err
		}
		key := contentKey(obj.PID.Filename(), ds.ID, v.ID)
		size, sum, err := r.content.storeVerified(key, src, v.ChecksumType, declared)
		src.Close()
		if err != nil {
			return v, errors.Wrapf(err, "%s/%s/%s", obj.PID, ds.ID, v.ID)
		}
		*written = append(*written, key)
		v.Locator = datastream.InternalLocator(key)
		v.Size = size
		v.Checksum = sum

	default:
		// external content is not read, so it has no digest
		v.Checksum = checksum.None
	}
	return v, nil
}

// openSource opens the content a new managed version is being created from.
func (r *Repository) openSource(ds *datastream.Datastream, v datastream.Version) (io.ReadCloser, error) {
	loc := v.Locator
	switch loc.Kind {
	case datastream.Uploaded:
		return r.uploads.Get(loc.Ref)
	case datastream.Internal:
		return r.content.Retrieve(loc.Ref)
	case datastream.External:
		if r.resolver.Fetcher == nil {
			return nil, fmt.Errorf("%w: no fetcher for %s", datastream.ErrContentUnavailable, loc.Ref)
		}
		_, rc, err := r.resolver.Fetcher.Fetch(context.Background(), loc.Ref)
		return rc, err
	}
	return nil, fmt.Errorf("%w: %s locator", datastream.ErrLocator, loc.Kind)
}

// discard removes content which is no longer referenced.
func (r *Repository) discard(keys []string) {
	for _, k := range keys {
		if _, err := r.content.Delete(k); err != nil {
			log.Printf("repository: removing %s: %s", k, err)
		}
	}
}

func nextDatastreamID(obj *Object) string {
	for i := 1; ; i++ {
		id := "DS" + strconv.Itoa(i)
		if _, ok := obj.Datastreams[id]; !ok {
			return id
		}
	}
}

func result(ds *datastream.Datastream, v datastream.Version) journal.VersionResult {
	return journal.VersionResult{
		DSID:         ds.ID,
		VersionID:    v.ID,
		ChecksumType: v.ChecksumType,
		Checksum:     v.Checksum,
	}
}
