package store

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing.
type Memory struct {
	m     sync.RWMutex
	store map[string]*value
	last  time.Time // most recent modification time handed out
}

type value struct {
	b        []byte
	modified time.Time
}

var (
	_ Store    = &Memory{}
	_ Replacer = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*value)}
}

// ListPrefix returns all the keys which begin with the given prefix, in
// sorted order.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result, nil
}

// Open returns a reader for key along with its size. The value is not
// copied, since stored values are never modified in place.
func (ms *Memory) Open(key string) (io.ReadCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return ioutil.NopCloser(bytes.NewReader(v.b)), int64(len(v.b)), nil
}

// Stat returns the size and modification time for key.
func (ms *Memory) Stat(key string) (Info, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return Info{Size: int64(len(v.b)), Modified: v.modified}, nil
}

// Create returns a writer for a new key. The value is added to the store
// when the writer is closed.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	ms.m.RLock()
	_, ok := ms.store[key]
	ms.m.RUnlock()
	if ok {
		return nil, ErrKeyExists
	}
	return &memWriter{parent: ms, key: key}, nil
}

// Replace returns a writer which overwrites key when closed.
func (ms *Memory) Replace(key string) (io.WriteCloser, error) {
	return &memWriter{parent: ms, key: key, replace: true}, nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	keys, _ := ms.ListPrefix("")
	ms.m.RLock()
	defer ms.m.RUnlock()
	for _, k := range keys {
		s := ms.store[k].b
		if len(s) > 300 {
			s = s[:50]
		}
		fmt.Fprintf(w, "%s: %s\n", k, string(s))
	}
}

// modification times are strictly increasing so staleness checks work even
// when two writes land on the same clock tick.
// must hold ms.m to call this.
func (ms *Memory) stamp() time.Time {
	now := time.Now()
	if !now.After(ms.last) {
		now = ms.last.Add(time.Nanosecond)
	}
	ms.last = now
	return now
}

type memWriter struct {
	parent  *Memory
	key     string
	replace bool
	buf     bytes.Buffer
	done    bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, fmt.Errorf("write to closed value %s", w.key)
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	ms := w.parent
	ms.m.Lock()
	defer ms.m.Unlock()
	if _, ok := ms.store[w.key]; ok && !w.replace {
		return ErrKeyExists
	}
	ms.store[w.key] = &value{b: w.buf.Bytes(), modified: ms.stamp()}
	return nil
}

func (w *memWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
