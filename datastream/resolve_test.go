package datastream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/store"
	"github.com/ndlib/dorepo/upload"
)

type lowLevel struct{ s store.Store }

func (l lowLevel) Retrieve(key string) (io.ReadCloser, error) {
	rc, _, err := l.s.Open(key)
	return rc, err
}

func (l lowLevel) Keep(ds *Datastream, v Version, r io.Reader) (Locator, error) {
	key := "kept+" + ds.ID + "+" + v.ID
	if _, err := store.Put(l.s, key, r); err != nil {
		return Locator{}, err
	}
	return InternalLocator(key), nil
}

type fakeFetcher struct {
	m       sync.Mutex
	content map[string]string
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, io.ReadCloser, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls++
	s, ok := f.content[url]
	if !ok {
		return "", nil, fmt.Errorf("no such url %s", url)
	}
	return "text/plain", ioutil.NopCloser(bytes.NewBufferString(s)), nil
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("disk on fire") }
func (failingReader) Close() error               { return nil }

type failingStore struct{}

func (failingStore) Retrieve(key string) (io.ReadCloser, error) { return failingReader{}, nil }

func newResolver() (*Resolver, *store.Memory, *upload.Store, *fakeFetcher) {
	low := store.NewMemory()
	temp := upload.New(store.NewMemory())
	f := &fakeFetcher{content: map[string]string{"http://example.com/a": "external content"}}
	return &Resolver{Store: lowLevel{low}, Temp: temp, Keeper: lowLevel{low}, Fetcher: f}, low, temp, f
}

func readAll(t *testing.T, res *Resolver, ds *Datastream, v Version) string {
	t.Helper()
	rc, err := res.Open(context.Background(), ds, v)
	if err != nil {
		t.Fatalf("Open(%s) got %v", v.ID, err)
	}
	defer rc.Close()
	b, err := ioutil.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s got %v", v.ID, err)
	}
	return string(b)
}

func TestOpenUploaded(t *testing.T) {
	res, low, temp, _ := newResolver()
	// same key in both stores. The temp store must be consulted.
	store.Put(low, "up-7", bytes.NewBufferString("low level"))
	if err := temp.PutWithID("up-7", bytes.NewBufferString("staged upload")); err != nil {
		t.Fatal(err)
	}
	ds := New("demo:1", "DS1", Managed)
	v := Version{ID: "DS1.0", Created: t0, Locator: UploadedLocator("up-7")}
	ds.AddVersion(v)
	if got := readAll(t, res, ds, v); got != "staged upload" {
		t.Errorf("Got %q, expected %q", got, "staged upload")
	}
}

func TestOpenInternalAndInline(t *testing.T) {
	res, low, _, _ := newResolver()
	store.Put(low, "demo_1+DS1+DS1.0", bytes.NewBufferString("stored"))
	ds := New("demo:1", "DS1", Managed)
	v := managedVersion("DS1.0", 0)
	ds.AddVersion(v)
	if got := readAll(t, res, ds, v); got != "stored" {
		t.Errorf("Got %q, expected %q", got, "stored")
	}

	dc := New("demo:1", "DC", InlineXML)
	x := Version{ID: "DC.0", Created: t0, Locator: InlineLocator([]byte("<dc/>"))}
	dc.AddVersion(x)
	if got := readAll(t, res, dc, x); got != "<dc/>" {
		t.Errorf("Got %q, expected %q", got, "<dc/>")
	}
}

func TestOpenExternalMaterializes(t *testing.T) {
	res, low, temp, f := newResolver()
	ds := New("demo:1", "DS1", Managed)
	v := Version{ID: "DS1.0", Created: t0, Locator: ExternalLocator("http://example.com/a")}
	ds.AddVersion(v)

	if got := readAll(t, res, ds, v); got != "external content" {
		t.Errorf("Got %q, expected %q", got, "external content")
	}
	cur, _ := ds.Current()
	if cur.Locator.Kind != Internal || cur.Locator.Ref != "kept+DS1+DS1.0" {
		t.Fatalf("Got locator %v, expected an internal copy", cur.Locator)
	}
	if _, err := low.Stat(cur.Locator.Ref); err != nil {
		t.Errorf("content store has no %s: %v", cur.Locator.Ref, err)
	}
	// nothing is left in the temporary store for a sweep to remove
	if ids := temp.List(); len(ids) != 0 {
		t.Errorf("Got temp uploads %v, expected none", ids)
	}
	// the stale value still resolves without fetching again
	readAll(t, res, ds, v)
	readAll(t, res, ds, cur)
	if f.calls != 1 {
		t.Errorf("Got %d fetches, expected 1", f.calls)
	}
}

func TestOpenExternalFailureKeepsLocator(t *testing.T) {
	res, _, _, _ := newResolver()
	ds := New("demo:1", "DS1", Managed)
	v := Version{ID: "DS1.0", Created: t0, Locator: ExternalLocator("http://example.com/missing")}
	ds.AddVersion(v)
	_, err := res.Open(context.Background(), ds, v)
	if !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("Got %v, expected ErrContentUnavailable", err)
	}
	cur, _ := ds.Current()
	if cur.Locator.Kind != External || cur.Locator.Ref != v.Locator.Ref {
		t.Errorf("Got locator %v, expected %v", cur.Locator, v.Locator)
	}
}

func TestOpenErrors(t *testing.T) {
	res, _, _, _ := newResolver()
	ds := New("demo:1", "DS1", Managed)
	v := managedVersion("DS1.0", 0)
	ds.AddVersion(v)
	_, err := res.Open(context.Background(), ds, v)
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.VersionID != "DS1.0" {
		t.Errorf("Got %v, expected *UnavailableError for DS1.0", err)
	}

	ext := New("demo:1", "LINK", Redirect)
	e := Version{ID: "LINK.0", Created: t0, Locator: ExternalLocator("http://example.com/r")}
	ext.AddVersion(e)
	if _, err := res.Open(context.Background(), ext, e); !errors.Is(err, ErrNotLocal) {
		t.Errorf("Got %v, expected ErrNotLocal", err)
	}
	if u, ok := URL(ext, e); !ok || u != "http://example.com/r" {
		t.Errorf("Got %q, expected the redirect url", u)
	}

	res.Store = failingStore{}
	rc, err := res.Open(context.Background(), ds, v)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ioutil.ReadAll(rc)
	if !errors.Is(err, ErrContentUnavailable) {
		t.Errorf("Got %v, expected ErrContentUnavailable mid-stream", err)
	}
}

func TestChecksumAndValidate(t *testing.T) {
	res, low, _, _ := newResolver()
	store.Put(low, "demo_1+DS1+DS1.0", bytes.NewBufferString("hello"))
	ds := New("demo:1", "DS1", Managed)
	v := managedVersion("DS1.0", 0)
	v.ChecksumType = checksum.MD5
	v.Checksum = res.Checksum(context.Background(), ds, v, checksum.MD5)
	if v.Checksum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("Got %s, expected md5 of hello", v.Checksum)
	}
	ds.AddVersion(v)
	if err := res.Validate(context.Background(), ds, v); err != nil {
		t.Errorf("Got %v, expected valid", err)
	}
	v.Checksum = "0123"
	err := res.Validate(context.Background(), ds, v)
	if !errors.Is(err, checksum.ErrMismatch) {
		t.Errorf("Got %v, expected mismatch", err)
	}

	// whitespace between elements does not change inline digests
	dc := New("demo:1", "DC", InlineXML)
	a := Version{ID: "DC.0", Created: t0, Locator: InlineLocator([]byte("<dc><title>x</title></dc>"))}
	b := Version{ID: "DC.1", Created: at(1), Locator: InlineLocator([]byte("<dc>\n  <title>x</title>\n</dc>\n"))}
	sa := res.Checksum(context.Background(), dc, a, checksum.SHA256)
	sb := res.Checksum(context.Background(), dc, b, checksum.SHA256)
	if sa != sb {
		t.Errorf("Got %s and %s, expected equal digests", sa, sb)
	}

	missing := managedVersion("DS1.9", 9)
	if got := res.Checksum(context.Background(), ds, missing, checksum.MD5); got != checksum.ReadFailure {
		t.Errorf("Got %s, expected %s", got, checksum.ReadFailure)
	}
}
