/*
Package upload implements the temporary upload store. Content which will
become part of a managed datastream is staged here first, either because a
client uploaded it or because it was fetched from an external URL. Each
staged stream is named by an opaque upload id.

A stream is visible under its id only after it has been completely written,
so an id never names a partial copy. Staged uploads are removed by Delete or
by Sweep once they are no longer needed.
*/
package upload

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/store"
)

// Store wraps a store.Store and keeps staged uploads along with their
// metadata.
type Store struct {
	meta  store.JSONStore // for the metadata
	data  store.Store     // for the content
	m     sync.RWMutex    // protects files
	files map[string]Stat
}

const (
	// There are two kinds of information in the store: upload metadata
	// and upload content. They are distinguished by the prefix of their
	// keys. The metadata is in the store to allow reloading after
	// restarts.
	metaKeyPrefix = "md-"
	dataKeyPrefix = "f-"

	// IDPrefix begins every generated upload id.
	IDPrefix = "up-"

	// Scheme is used when an upload id is written as a location string.
	Scheme = "uploaded://"
)

var (
	// ErrNotFound means there is no upload with the given id.
	ErrNotFound = errors.New("no such upload")

	// ErrExists means an upload with the given id already exists with
	// different content.
	ErrExists = errors.New("upload id already in use")
)

// Stat is the metadata kept on each upload.
type Stat struct {
	ID      string
	Size    int64
	MD5     string
	Created time.Time
}

// New creates a new upload store wrapping s. Call Load before using the
// store if s may already hold uploads.
func New(s store.Store) *Store {
	return &Store{
		meta:  store.NewJSON(store.NewWithPrefix(s, metaKeyPrefix)),
		data:  store.NewWithPrefix(s, dataKeyPrefix),
		files: make(map[string]Stat),
	}
}

// Load initializes the in-memory index from the metadata saved in the
// underlying store. Records which cannot be read are logged and skipped.
func (s *Store) Load() error {
	keys, err := s.meta.ListPrefix("")
	if err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()
	for _, key := range keys {
		var st Stat
		if err := s.meta.Load(key, &st); err != nil {
			log.Printf("upload: skipping %s: %s", key, err)
			continue
		}
		s.files[st.ID] = st
	}
	return nil
}

// Put stages the contents of r under a newly generated id.
func (s *Store) Put(r io.Reader) (string, error) {
	for {
		id := NewID()
		err := s.put(id, r)
		if err == store.ErrKeyExists {
			// id collision; r has not been read yet
			continue
		}
		return id, err
	}
}

// PutWithID stages the contents of r under the given id. This is used when
// the id was assigned elsewhere, e.g. while replaying a journal. Putting the
// same content under an id twice is not an error.
func (s *Store) PutWithID(id string, r io.Reader) error {
	if id == "" || strings.ContainsAny(id, "/ ") {
		return fmt.Errorf("invalid upload id %q", id)
	}
	existing, ok := s.Stat(id)
	if !ok {
		return s.put(id, r)
	}
	w, _ := checksum.NewWriter(nil, checksum.MD5)
	if _, err := io.Copy(w, r); err != nil {
		return err
	}
	if _, same := w.Check(existing.MD5); !same || w.Size() != existing.Size {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	return nil
}

func (s *Store) put(id string, r io.Reader) error {
	dw, err := s.data.Create(id)
	if err != nil {
		return err
	}
	w, _ := checksum.NewWriter(dw, checksum.MD5)
	if _, err := io.Copy(w, r); err != nil {
		store.Abort(dw)
		return err
	}
	if err := dw.Close(); err != nil {
		return err
	}
	st := Stat{
		ID:      id,
		Size:    w.Size(),
		MD5:     w.Sum(),
		Created: time.Now().UTC(),
	}
	if err := s.meta.Save(id, st); err != nil {
		s.data.Delete(id)
		return err
	}
	s.m.Lock()
	s.files[id] = st
	s.m.Unlock()
	return nil
}

// Get returns a reader for the upload with the given id.
func (s *Store) Get(id string) (io.ReadCloser, error) {
	if _, ok := s.Stat(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r, _, err := s.data.Open(id)
	return r, err
}

// Stat returns the metadata for the upload with the given id.
func (s *Store) Stat(id string) (Stat, bool) {
	s.m.RLock()
	st, ok := s.files[id]
	s.m.RUnlock()
	return st, ok
}

// Delete removes an upload. It is not an error if the id does not exist.
func (s *Store) Delete(id string) error {
	s.m.Lock()
	delete(s.files, id)
	s.m.Unlock()
	err := s.meta.Delete(id)
	err2 := s.data.Delete(id)
	if err == nil {
		err = err2
	}
	return err
}

// List returns the ids of every staged upload in sorted order.
func (s *Store) List() []string {
	s.m.RLock()
	result := make([]string, 0, len(s.files))
	for id := range s.files {
		result = append(result, id)
	}
	s.m.RUnlock()
	sort.Strings(result)
	return result
}

// Sweep deletes every upload created before cutoff and returns their ids.
func (s *Store) Sweep(cutoff time.Time) []string {
	var stale []string
	s.m.RLock()
	for id, st := range s.files {
		if st.Created.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.m.RUnlock()
	sort.Strings(stale)
	for _, id := range stale {
		if err := s.Delete(id); err != nil {
			log.Printf("upload: sweep %s: %s", id, err)
		}
	}
	return stale
}

// StartSweeper removes uploads older than maxAge in a background goroutine.
// It checks every quarter of maxAge, or once a day if that is shorter. The
// returned function stops the goroutine and waits for it to exit.
func (s *Store) StartSweeper(clk clock.Clock, maxAge time.Duration) func() {
	d := maxAge / 4
	if d > 24*time.Hour {
		d = 24 * time.Hour
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-clk.After(d):
			}
			swept := s.Sweep(clk.Now().Add(-maxAge))
			if len(swept) > 0 {
				log.Printf("upload: swept %d stale uploads", len(swept))
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// NewID returns a random upload id. The day of the year is mixed into the
// id to make collisions between restarts less likely.
func NewID() string {
	var day = int64(time.Now().YearDay())
	var n = day<<32 | int64(rand.Int31())
	return IDPrefix + strconv.FormatInt(n, 36)
}

// Location returns the location string naming the upload id.
func Location(id string) string {
	return Scheme + id
}

// ParseLocation returns the upload id named by a location string of the form
// "uploaded://id".
func ParseLocation(loc string) (string, bool) {
	if !strings.HasPrefix(loc, Scheme) {
		return "", false
	}
	id := loc[len(Scheme):]
	return id, id != ""
}
