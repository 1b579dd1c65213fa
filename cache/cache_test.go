package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRefreshIfStale(t *testing.T) {
	c := New(0)
	var loads int
	load := func(v string) LoadFunc {
		return func() (interface{}, error) {
			loads++
			return v, nil
		}
	}
	var table = []struct {
		mtime    time.Time
		value    string
		expected string
		loads    int
	}{
		{t0, "a", "a", 1},
		{t0, "b", "a", 1},                  // not stale
		{t0.Add(-time.Hour), "c", "a", 1},  // older source
		{t0.Add(time.Second), "d", "d", 2}, // source changed
		{t0.Add(time.Second), "e", "d", 2},
	}
	for i, tab := range table {
		v, err := c.RefreshIfStale("k", tab.mtime, load(tab.value))
		if err != nil {
			t.Fatal(err)
		}
		if v.(string) != tab.expected || loads != tab.loads {
			t.Errorf("%d: Got %v (%d loads), expected %v (%d loads)", i, v, loads, tab.expected, tab.loads)
		}
	}
	hits, n := c.Stats()
	if hits != 3 || n != 2 {
		t.Errorf("Got %d hits %d loads, expected 3 and 2", hits, n)
	}
}

func TestLoadError(t *testing.T) {
	c := New(0)
	bad := errors.New("bad")
	_, err := c.RefreshIfStale("k", t0, func() (interface{}, error) { return nil, bad })
	if err != bad {
		t.Errorf("Got %v, expected %v", err, bad)
	}
	if c.Len() != 0 {
		t.Errorf("Got %d entries, expected 0", c.Len())
	}
}

func TestLoadsCollapse(t *testing.T) {
	c := New(0)
	var calls int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RefreshIfStale("k", t0, func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return 1, nil
			})
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	// goroutines arriving after the first load finished find a fresh value
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Got %d loads, expected 1", calls)
	}
}

func TestEviction(t *testing.T) {
	c := New(2)
	c.Set("a", 1, t0)
	c.Set("b", 2, t0)
	c.Get("a") // b is now least recently used
	c.Set("c", 3, t0)
	if _, ok := c.Get("b"); ok {
		t.Errorf("b was not evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s was evicted", k)
		}
	}
	c.Invalidate("a")
	if c.Len() != 1 {
		t.Errorf("Got %d entries, expected 1", c.Len())
	}
}
