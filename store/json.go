package store

import (
	"encoding/json"
	"io"
	"log"
)

// A JSONStore wraps a Store and serializes its values as JSON instead of
// using streams. It does not cache the results of serialization. Since it
// deals with interface{} instead of readers and writers, a JSONStore does not
// match the Store interface.
type JSONStore struct {
	Store
}

// NewJSON creates a new JSONStore using the provided store for its storage.
func NewJSON(s Store) JSONStore {
	return JSONStore{s}
}

// Load the value having the given key and unserialize it into value.
func (js JSONStore) Load(key string, value interface{}) error {
	r, _, err := js.Store.Open(key)
	if err != nil {
		return err
	}
	err = json.NewDecoder(r).Decode(value)
	err2 := r.Close()
	if err == nil {
		err = err2
	} else if err2 != nil {
		log.Println(key, err2)
	}
	return err
}

// Save the value under the given key, replacing any existing value. The
// replacement is atomic when the underlying store is a Replacer.
func (js JSONStore) Save(key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var w io.WriteCloser
	if r, ok := js.Store.(Replacer); ok {
		w, err = r.Replace(key)
	} else {
		if err = js.Delete(key); err != nil {
			return err
		}
		w, err = js.Store.Create(key)
	}
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		Abort(w)
		return err
	}
	return w.Close()
}
