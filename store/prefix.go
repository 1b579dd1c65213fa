package store

import (
	"io"
	"strings"
)

// NewWithPrefix wraps the store s by one which will prefix all its keys by
// prefix. This provides a way to namespace the keys, and to share the same
// underlying store among several users. The repository keeps object records,
// committed content and staged uploads apart this way.
func NewWithPrefix(s Store, prefix string) Store {
	return prefixstore{s: s, p: prefix}
}

type prefixstore struct {
	s Store  // the store being wrapped
	p string // the prefix for our keys
}

var _ Replacer = prefixstore{}

func (ps prefixstore) ListPrefix(prefix string) ([]string, error) {
	var result []string
	keys, err := ps.s.ListPrefix(ps.p + prefix)
	for _, key := range keys {
		if strings.HasPrefix(key, ps.p) {
			result = append(result, key[len(ps.p):])
		}
	}
	return result, err
}

func (ps prefixstore) Open(key string) (io.ReadCloser, int64, error) {
	return ps.s.Open(ps.p + key)
}

func (ps prefixstore) Stat(key string) (Info, error) {
	return ps.s.Stat(ps.p + key)
}

func (ps prefixstore) Create(key string) (io.WriteCloser, error) {
	return ps.s.Create(ps.p + key)
}

// Replace passes through to the wrapped store. If it cannot replace values
// the key is deleted and created again.
func (ps prefixstore) Replace(key string) (io.WriteCloser, error) {
	if r, ok := ps.s.(Replacer); ok {
		return r.Replace(ps.p + key)
	}
	if err := ps.s.Delete(ps.p + key); err != nil {
		return nil, err
	}
	return ps.s.Create(ps.p + key)
}

func (ps prefixstore) Delete(key string) error {
	return ps.s.Delete(ps.p + key)
}
