// Package store provides a simple, goroutine safe key-value interface whose
// values are streams. It is the low-level storage every other part of the
// repository is built on: committed datastream content, upload staging,
// object records and allocator state all live in a Store.
//
// The FileSystem and S3 stores are meant for production use. The Memory store
// is useful for testing.
package store

import (
	"errors"
	"io"
	"time"
)

// Store is the basic stream based key-value store.
//
// A value becomes visible only after the writer returned by Create is
// successfully closed, so readers never observe a partially written value.
// Values are immutable once stored, but they may be deleted and then replaced
// with a new value.
//
// Since the FileSystem store uses the key as file names, keys should not
// contain forbidden filesystem characters, such as '/'.
type Store interface {
	// Open returns a reader for the value under key and its size.
	Open(key string) (io.ReadCloser, int64, error)

	// Create returns a writer for a new value under key. It is an error
	// if key already exists.
	Create(key string) (io.WriteCloser, error)

	// Delete removes key. It is not an error if the key does not exist.
	Delete(key string) error

	// Stat returns the size and modification time of the value under key.
	Stat(key string) (Info, error)

	// ListPrefix returns all the keys beginning with the given prefix.
	ListPrefix(prefix string) ([]string, error)
}

// Info describes a stored value.
type Info struct {
	Size     int64
	Modified time.Time
}

// An Aborter is a writer which can be abandoned. Aborting discards everything
// written so far and the key is left as if Create was never called.
type Aborter interface {
	Abort() error
}

// A Replacer can atomically overwrite the value of an existing key. Stores
// which are not Replacers are updated by deleting the key and creating it
// again.
type Replacer interface {
	Replace(key string) (io.WriteCloser, error)
}

var (
	// ErrNotExist means the requested key is not in the store.
	ErrNotExist = errors.New("key does not exist")

	// ErrKeyExists indicates an attempt to create a key which already exists.
	ErrKeyExists = errors.New("key already exists")
)

// Abort abandons the writer w. If w does not support aborting it is closed
// instead, which may commit the partial value.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}

// Put copies r into a new value under key. If copying fails the value is
// aborted. Returns the number of bytes stored.
func Put(s Store, key string, r io.Reader) (int64, error) {
	w, err := s.Create(key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if err != nil {
		Abort(w)
		return n, err
	}
	return n, w.Close()
}

// Exists returns true if key is in s.
func Exists(s Store, key string) bool {
	_, err := s.Stat(key)
	return err == nil
}
