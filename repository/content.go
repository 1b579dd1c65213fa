package repository

import (
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/pid"
	"github.com/ndlib/dorepo/store"
)

// ContentStore keeps the bytes of managed datastream versions in a
// store.Store. Keys are internal to the repository.
type ContentStore struct {
	s store.Store
}

// NewContentStore returns a content store over s.
func NewContentStore(s store.Store) *ContentStore {
	return &ContentStore{s: s}
}

// contentKey is the key of the bytes of one managed version.
func contentKey(pidFilename, dsID, versionID string) string {
	return strings.Join([]string{pidFilename, dsID, versionID}, "+")
}

// Retrieve opens the content stored under key.
func (cs *ContentStore) Retrieve(key string) (io.ReadCloser, error) {
	rc, _, err := cs.s.Open(key)
	return rc, err
}

// Store saves r under key and returns the key.
func (cs *ContentStore) Store(key string, r io.Reader) (string, error) {
	_, err := store.Put(cs.s, key, r)
	if err != nil {
		return "", err
	}
	return key, nil
}

// Keep stores materialized external content under the key a managed copy of
// the version would have. Purging the version removes it.
func (cs *ContentStore) Keep(ds *datastream.Datastream, v datastream.Version, r io.Reader) (datastream.Locator, error) {
	p, err := pid.Parse(ds.PID)
	if err != nil {
		return datastream.Locator{}, err
	}
	key := contentKey(p.Filename(), ds.ID, v.ID)
	_, err = store.Put(cs.s, key, r)
	if errors.Is(err, store.ErrKeyExists) {
		// left by a copy whose object record was never saved
		if err = cs.s.Delete(key); err == nil {
			_, err = store.Put(cs.s, key, r)
		}
	}
	if err != nil {
		return datastream.Locator{}, err
	}
	return datastream.InternalLocator(key), nil
}

// Delete removes key. It returns false if there was nothing to remove.
func (cs *ContentStore) Delete(key string) (bool, error) {
	err := cs.s.Delete(key)
	if errors.Is(err, store.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the length of the content under key.
func (cs *ContentStore) Size(key string) (int64, error) {
	info, err := cs.s.Stat(key)
	return info.Size, err
}

// storeVerified copies r into a new value under key while digesting it
// with t. If declared is not empty and does not match, the value is
// abandoned and a *checksum.MismatchError returned. Nothing becomes visible
// under key unless the whole stream was copied and verified.
func (cs *ContentStore) storeVerified(key string, r io.Reader, t checksum.Type, declared string) (int64, string, error) {
	w, err := cs.s.Create(key)
	if err != nil {
		return 0, "", err
	}
	cw, err := checksum.NewWriter(w, t)
	if err != nil {
		store.Abort(w)
		return 0, "", err
	}
	if _, err := io.Copy(cw, r); err != nil {
		store.Abort(w)
		return 0, "", err
	}
	sum, ok := cw.Check(declared)
	if t == checksum.Disabled {
		ok = true
	}
	if !ok {
		store.Abort(w)
		return 0, "", &checksum.MismatchError{Type: t, Expected: declared, Actual: sum}
	}
	if err := w.Close(); err != nil {
		return 0, "", err
	}
	return cw.Size(), sum, nil
}
