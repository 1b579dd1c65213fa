package datastream

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2020, 3, 1, 12, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func managedVersion(id string, min int) Version {
	return Version{
		ID:       id,
		MIMEType: "text/plain",
		Created:  at(min),
		Size:     -1,
		Locator:  InternalLocator("demo_1+DS1+" + id),
	}
}

func TestCheckLocator(t *testing.T) {
	var table = []struct {
		cg  ControlGroup
		loc Locator
		ok  bool
	}{
		{InlineXML, InlineLocator([]byte("<a/>")), true},
		{InlineXML, ExternalLocator("http://example.com/x"), false},
		{Managed, InternalLocator("key"), true},
		{Managed, UploadedLocator("up-7"), true},
		{Managed, ExternalLocator("http://example.com/x"), true},
		{Managed, InlineLocator([]byte("x")), false},
		{Managed, InternalLocator(""), false},
		{ExternalRef, ExternalLocator("http://example.com/x"), true},
		{ExternalRef, InternalLocator("key"), false},
		{Redirect, ExternalLocator("http://example.com/x"), true},
		{Redirect, UploadedLocator("up-7"), false},
		{"Q", InternalLocator("key"), false},
	}
	for _, tab := range table {
		err := CheckLocator(tab.cg, tab.loc)
		if (err == nil) != tab.ok {
			t.Errorf("CheckLocator(%s, %s) got %v, expected ok=%v", tab.cg, tab.loc, err, tab.ok)
		}
	}
}

func TestParseLocation(t *testing.T) {
	var table = []struct {
		cg   ControlGroup
		s    string
		kind Kind
		ref  string
	}{
		{Managed, "uploaded://up-7", Uploaded, "up-7"},
		{Managed, "http://example.com/a.pdf", External, "http://example.com/a.pdf"},
		{Managed, "demo_1+DS1+DS1.0", Internal, "demo_1+DS1+DS1.0"},
		{ExternalRef, "https://example.com/", External, "https://example.com/"},
		{Redirect, "http://example.com/r", External, "http://example.com/r"},
		{ExternalRef, "demo_1+DS1+DS1.0", 0, ""},
		{InlineXML, "http://example.com/", 0, ""},
		{Managed, "  ", 0, ""},
	}
	for _, tab := range table {
		l, err := ParseLocation(tab.cg, tab.s)
		if tab.kind == 0 {
			if err == nil {
				t.Errorf("ParseLocation(%s, %q) got %v, expected error", tab.cg, tab.s, l)
			} else if !errors.Is(err, ErrLocator) {
				t.Errorf("Got %v, expected ErrLocator", err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLocation(%s, %q) got error %v", tab.cg, tab.s, err)
			continue
		}
		if l.Kind != tab.kind || l.Ref != tab.ref {
			t.Errorf("Got %v %q, expected %v %q", l.Kind, l.Ref, tab.kind, tab.ref)
		}
	}
}

func TestCurrentAndAsOf(t *testing.T) {
	ds := New("demo:1", "DS1", Managed)
	if _, ok := ds.Current(); ok {
		t.Errorf("empty datastream has a current version")
	}
	// added out of order
	for _, v := range []Version{
		managedVersion("DS1.1", 10),
		managedVersion("DS1.0", 0),
		managedVersion("DS1.2", 20),
	} {
		if _, err := ds.AddVersion(v); err != nil {
			t.Fatalf("AddVersion(%s): %s", v.ID, err)
		}
	}
	cur, _ := ds.Current()
	if cur.ID != "DS1.2" {
		t.Errorf("Got current %s, expected DS1.2", cur.ID)
	}
	var table = []struct {
		when time.Time
		id   string
	}{
		{time.Time{}, "DS1.2"},
		{at(-1), ""},
		{at(0), "DS1.0"},
		{at(5), "DS1.0"},
		{at(10), "DS1.1"},
		{at(19), "DS1.1"},
		{at(99), "DS1.2"},
	}
	for _, tab := range table {
		v, ok := ds.AsOf(tab.when)
		if tab.id == "" {
			if ok {
				t.Errorf("AsOf(%v) got %s, expected nothing", tab.when, v.ID)
			}
			continue
		}
		if v.ID != tab.id {
			t.Errorf("AsOf(%v) got %s, expected %s", tab.when, v.ID, tab.id)
		}
	}
	if got := ds.NextVersionID(); got != "DS1.3" {
		t.Errorf("Got %s, expected DS1.3", got)
	}
}

func TestAddVersionChecks(t *testing.T) {
	ds := New("demo:1", "DC", InlineXML)
	_, err := ds.AddVersion(Version{ID: "DC.0", Created: at(0), Locator: ExternalLocator("http://example.com")})
	if !errors.Is(err, ErrLocator) {
		t.Errorf("Got %v, expected ErrLocator", err)
	}
	v := Version{ID: "DC.0", Created: at(0), Locator: InlineLocator([]byte("<dc/>"))}
	if _, err := ds.AddVersion(v); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.AddVersion(v); err == nil {
		t.Errorf("duplicate version id accepted")
	}
}

func TestNotVersionable(t *testing.T) {
	ds := New("demo:1", "DS1", Managed)
	ds.SetVersionable(false)
	ds.AddVersion(managedVersion("DS1.0", 0))
	replaced, err := ds.AddVersion(managedVersion("DS1.1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if replaced == nil || replaced.ID != "DS1.0" {
		t.Errorf("Got replaced %v, expected DS1.0", replaced)
	}
	if ds.Len() != 1 {
		t.Errorf("Got %d versions, expected 1", ds.Len())
	}
}

func TestVersionsAreSnapshots(t *testing.T) {
	ds := New("demo:1", "DS1", Managed)
	ds.AddVersion(managedVersion("DS1.0", 0))
	vs := ds.Versions()
	vs[0].Label = "changed"
	ds.AddVersion(managedVersion("DS1.1", 1))
	if len(vs) != 1 {
		t.Errorf("Got %d, expected 1", len(vs))
	}
	v, _ := ds.Version("DS1.0")
	if v.Label != "" {
		t.Errorf("Got label %q, expected it unchanged", v.Label)
	}
}

func TestPurge(t *testing.T) {
	var table = []struct {
		start, end time.Time
		removed    int
		left       string
	}{
		{time.Time{}, time.Time{}, 3, ""},
		{at(5), at(15), 1, "DS1.2"},
		{at(10), time.Time{}, 2, "DS1.0"},
		{time.Time{}, at(0), 1, "DS1.2"},
		{at(30), at(40), 0, "DS1.2"},
	}
	for _, tab := range table {
		ds := New("demo:1", "DS1", Managed)
		ds.AddVersion(managedVersion("DS1.0", 0))
		ds.AddVersion(managedVersion("DS1.1", 10))
		ds.AddVersion(managedVersion("DS1.2", 20))
		removed := ds.Purge(tab.start, tab.end)
		if len(removed) != tab.removed {
			t.Errorf("Purge(%v, %v) got %d, expected %d", tab.start, tab.end, len(removed), tab.removed)
		}
		cur, ok := ds.Current()
		if ok && cur.ID != tab.left {
			t.Errorf("Got current %s, expected %s", cur.ID, tab.left)
		} else if !ok && tab.left != "" {
			t.Errorf("Got no current version, expected %s", tab.left)
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ds := New("demo:1", "DS1", Managed)
	ds.SetAltIDs([]string{"alt"})
	ds.SetState(Inactive)
	ds.AddVersion(managedVersion("DS1.0", 0))
	ds.AddVersion(Version{ID: "DS1.1", Created: at(1), Locator: UploadedLocator("up-7")})

	b, err := json.Marshal(ds.Record())
	if err != nil {
		t.Fatal(err)
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatal(err)
	}
	ds2, err := FromRecord("demo:1", r)
	if err != nil {
		t.Fatal(err)
	}
	if ds2.State() != Inactive || ds2.Len() != 2 || ds2.AltIDs()[0] != "alt" {
		t.Errorf("Got %+v, expected copy of %+v", ds2.Record(), ds.Record())
	}
	v, _ := ds2.Current()
	if v.Locator.Kind != Uploaded || v.Locator.Ref != "up-7" {
		t.Errorf("Got locator %v, expected uploaded up-7", v.Locator)
	}
}

func TestKindText(t *testing.T) {
	var table = []struct {
		kind Kind
		text string
	}{
		{0, ""},
		{Inline, "inline"},
		{Internal, "internal"},
		{Uploaded, "uploaded"},
		{External, "external"},
	}
	for _, tab := range table {
		b, err := tab.kind.MarshalText()
		if err != nil || string(b) != tab.text {
			t.Errorf("Got %q, %v, expected %q", b, err, tab.text)
		}
		var k Kind
		if err := k.UnmarshalText([]byte(tab.text)); err != nil || k != tab.kind {
			t.Errorf("Got %v, %v, expected %v", k, err, tab.kind)
		}
	}
	var k Kind
	if err := k.UnmarshalText([]byte("tape")); !errors.Is(err, ErrLocator) {
		t.Errorf("Got %v, expected %v", err, ErrLocator)
	}
}
