package store

import (
	"testing"
)

type record struct {
	PID   string
	Count int
}

func TestJSONStore(t *testing.T) {
	for _, s := range []Store{NewMemory(), NewWithPrefix(NewMemory(), "p")} {
		js := NewJSON(s)
		if err := js.Save("pidgen", record{"demo:1", 1}); err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		// saving again replaces the value
		if err := js.Save("pidgen", record{"demo:2", 2}); err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		var r record
		if err := js.Load("pidgen", &r); err != nil {
			t.Fatalf("Received %s", err.Error())
		}
		if r.PID != "demo:2" || r.Count != 2 {
			t.Errorf("Got %v, expected {demo:2 2}", r)
		}
		if err := js.Load("missing", &r); err == nil {
			t.Errorf("Expected error loading a missing key")
		}
	}
}
