package datastream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"

	"github.com/ndlib/dorepo/checksum"
)

var (
	ErrContentUnavailable = errors.New("content unavailable")
	ErrNotLocal           = errors.New("content is not held by the repository")
)

// UnavailableError reports that the bytes of a version could not be read.
// The datastream metadata is untouched.
type UnavailableError struct {
	PID       string
	DSID      string
	VersionID string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s/%s/%s: content unavailable: %v", e.PID, e.DSID, e.VersionID, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrContentUnavailable }

// ContentReader is the read half of the low-level content store.
type ContentReader interface {
	Retrieve(key string) (io.ReadCloser, error)
}

// TempStore holds staged uploads.
type TempStore interface {
	Put(r io.Reader) (string, error)
	Get(id string) (io.ReadCloser, error)
}

// A Keeper commits materialized external content to the content store and
// returns an internal locator for the copy.
type Keeper interface {
	Keep(ds *Datastream, v Version, r io.Reader) (Locator, error)
}

// Fetcher retrieves content by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, io.ReadCloser, error)
}

// A Resolver turns a datastream version into a stream of its bytes, hiding
// where those bytes are kept.
type Resolver struct {
	Store   ContentReader
	Temp    TempStore
	Keeper  Keeper
	Fetcher Fetcher
}

// Open returns the content of version v of ds. Errors are always
// *UnavailableError, except ErrNotLocal for external and redirect
// datastreams, whose content is only exposed as a URL.
//
// A managed version with an external locator is fetched once and committed
// through the Keeper; the version's locator is then switched to the internal
// copy. The switch only happens after the whole copy is stored.
func (res *Resolver) Open(ctx context.Context, ds *Datastream, v Version) (io.ReadCloser, error) {
	var rc io.ReadCloser
	var err error
	switch ds.ControlGroup {
	case InlineXML:
		rc = ioutil.NopCloser(bytes.NewReader(v.Locator.Inline))
	case Managed:
		rc, err = res.openManaged(ctx, ds, v)
	case ExternalRef, Redirect:
		return nil, fmt.Errorf("%w: %s/%s is %s", ErrNotLocal, ds.PID, ds.ID, v.Locator.Ref)
	default:
		err = fmt.Errorf("%w: %q", ErrControlGroup, string(ds.ControlGroup))
	}
	if err != nil {
		return nil, unavailable(ds, v, err)
	}
	return &guardReader{rc: rc, ds: ds, v: v}, nil
}

func (res *Resolver) openManaged(ctx context.Context, ds *Datastream, v Version) (io.ReadCloser, error) {
	switch v.Locator.Kind {
	case Uploaded:
		if res.Temp == nil {
			return nil, errors.New("no temporary store")
		}
		return res.Temp.Get(v.Locator.Ref)
	case Internal:
		if res.Store == nil {
			return nil, errors.New("no content store")
		}
		return res.Store.Retrieve(v.Locator.Ref)
	case External:
		nv, err := res.materialize(ctx, ds, v)
		if err != nil {
			return nil, err
		}
		return res.Store.Retrieve(nv.Locator.Ref)
	}
	return nil, fmt.Errorf("%w: %s locator in managed datastream", ErrLocator, v.Locator.Kind)
}

// materialize copies external content into the content store and rewrites
// the version to point at the copy. Concurrent callers for the same
// datastream wait for the first copy rather than fetching again.
func (res *Resolver) materialize(ctx context.Context, ds *Datastream, v Version) (Version, error) {
	if res.Fetcher == nil || res.Keeper == nil || res.Store == nil {
		return v, errors.New("external content cannot be materialized")
	}
	ds.mm.Lock()
	defer ds.mm.Unlock()
	// someone else may have finished while we waited
	if cur, ok := ds.Version(v.ID); ok && cur.Locator.Kind == Internal {
		return cur, nil
	}
	_, body, err := res.Fetcher.Fetch(ctx, v.Locator.Ref)
	if err != nil {
		return v, err
	}
	loc, err := res.Keeper.Keep(ds, v, body)
	body.Close()
	if err != nil {
		return v, err
	}
	log.Printf("datastream: %s/%s/%s materialized %s as %s",
		ds.PID, ds.ID, v.ID, v.Locator.Ref, loc.Ref)
	return ds.replaceLocator(v.ID, loc)
}

// URL returns the reference of an external or redirect version.
func URL(ds *Datastream, v Version) (string, bool) {
	if ds.ControlGroup != ExternalRef && ds.ControlGroup != Redirect {
		return "", false
	}
	return v.Locator.Ref, true
}

// Checksum computes a digest of type t over the content of v. Inline XML is
// canonicalized first. Unreadable content gives checksum.ReadFailure.
func (res *Resolver) Checksum(ctx context.Context, ds *Datastream, v Version, t checksum.Type) string {
	if t == checksum.Disabled {
		return checksum.None
	}
	rc, err := res.Open(ctx, ds, v)
	if err != nil {
		return checksum.ReadFailure
	}
	defer rc.Close()
	if ds.ControlGroup == InlineXML {
		return checksum.DigestXML(t, rc)
	}
	return checksum.Digest(t, rc)
}

// Validate recomputes the digest of v and compares it with the stored one.
// It returns nil for versions without a stored digest, a
// *checksum.MismatchError on disagreement, and an *UnavailableError if the
// content cannot be read.
func (res *Resolver) Validate(ctx context.Context, ds *Datastream, v Version) error {
	if !v.HasChecksum() {
		return nil
	}
	rc, err := res.Open(ctx, ds, v)
	if err != nil {
		return err
	}
	defer rc.Close()
	if ds.ControlGroup == InlineXML {
		err = checksum.VerifyXML(v.ChecksumType, v.Checksum, rc)
	} else {
		err = checksum.Verify(v.ChecksumType, v.Checksum, rc)
	}
	var mm *checksum.MismatchError
	if err != nil && !errors.As(err, &mm) &&
		!errors.Is(err, ErrContentUnavailable) &&
		!errors.Is(err, checksum.ErrUnsupported) {
		err = unavailable(ds, v, err)
	}
	return err
}

func unavailable(ds *Datastream, v Version, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{PID: ds.PID, DSID: ds.ID, VersionID: v.ID, Err: err}
}

// guardReader reports read errors in the middle of a stream as
// *UnavailableError.
type guardReader struct {
	rc io.ReadCloser
	ds *Datastream
	v  Version
}

func (g *guardReader) Read(p []byte) (int, error) {
	n, err := g.rc.Read(p)
	if err != nil && err != io.EOF {
		err = unavailable(g.ds, g.v, err)
	}
	return n, err
}

func (g *guardReader) Close() error { return g.rc.Close() }
