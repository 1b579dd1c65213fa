package repository

import (
	"context"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/pid"
)

// Object returns a snapshot of the object with the given PID.
func (r *Repository) Object(pidstr string) (*Object, error) {
	p, err := pid.Parse(pidstr)
	if err != nil {
		return nil, err
	}
	return r.load(p)
}

// List returns the PIDs of every object in the repository.
func (r *Repository) List() ([]string, error) {
	keys, err := r.objects.ListPrefix("")
	if err != nil {
		return nil, err
	}
	var result []string
	for _, k := range keys {
		p, err := pid.FromFilename(k)
		if err != nil {
			continue
		}
		result = append(result, p.String())
	}
	return result, nil
}

// Datastream returns a datastream of an object.
func (r *Repository) Datastream(pidstr, dsID string) (*datastream.Datastream, error) {
	obj, err := r.Object(pidstr)
	if err != nil {
		return nil, err
	}
	ds, ok := obj.Datastreams[dsID]
	if !ok {
		return nil, errors.Wrapf(ErrNoDatastream, "%s/%s", pidstr, dsID)
	}
	return ds, nil
}

// Content opens the content of a datastream as of the given time, or the
// current content if asOf is zero.
func (r *Repository) Content(ctx context.Context, pidstr, dsID string, asOf time.Time) (io.ReadCloser, datastream.Version, error) {
	ds, err := r.Datastream(pidstr, dsID)
	if err != nil {
		return nil, datastream.Version{}, err
	}
	v, ok := ds.AsOf(asOf)
	if !ok {
		return nil, v, errors.Wrapf(datastream.ErrNoVersion, "%s/%s at %v", pidstr, dsID, asOf)
	}
	rc, err := r.resolver.Open(ctx, ds, v)
	if err != nil {
		return nil, v, err
	}
	if v.Locator.Kind == datastream.External {
		// the resolver copied the content in; keep the new locator
		r.persist(pidstr, dsID)
	}
	return rc, v, nil
}

// persist saves locators rewritten in the cached snapshot of an object. The
// rewrite only points at a local copy of the same bytes, so it is not
// journaled.
func (r *Repository) persist(pidstr, dsID string) {
	err := r.update(pidstr, func(obj *Object) error { return nil })
	if err != nil {
		log.Printf("repository: saving %s/%s locator: %s", pidstr, dsID, err)
	}
}

// CompareChecksum recomputes the digest of a datastream version and checks
// it against the stored one. It returns the computed digest. An empty
// versionID means the current version. A disagreement is returned as a
// *checksum.MismatchError, but the content stays readable.
func (r *Repository) CompareChecksum(ctx context.Context, pidstr, dsID, versionID string) (string, error) {
	ds, err := r.Datastream(pidstr, dsID)
	if err != nil {
		return "", err
	}
	var v datastream.Version
	var ok bool
	if versionID == "" {
		v, ok = ds.Current()
	} else {
		v, ok = ds.Version(versionID)
	}
	if !ok {
		return "", errors.Wrapf(datastream.ErrNoVersion, "%s/%s/%s", pidstr, dsID, versionID)
	}
	if !v.HasChecksum() {
		return r.resolver.Checksum(ctx, ds, v, r.defaultCS), nil
	}
	sum := r.resolver.Checksum(ctx, ds, v, v.ChecksumType)
	if sum == checksum.ReadFailure {
		// reading again gives the reason
		return sum, r.resolver.Validate(ctx, ds, v)
	}
	if !strings.EqualFold(sum, v.Checksum) {
		return sum, &checksum.MismatchError{Type: v.ChecksumType, Expected: v.Checksum, Actual: sum}
	}
	return sum, nil
}

// Exists reports whether there is an object with the given PID.
func (r *Repository) Exists(pidstr string) bool {
	p, err := pid.Parse(pidstr)
	if err != nil {
		return false
	}
	return r.exists(p)
}
