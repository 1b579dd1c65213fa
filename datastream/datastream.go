// Package datastream models the named, versioned units of content which make
// up a digital object, and resolves a version to its bytes no matter where
// those bytes are kept.
//
// Every datastream belongs to one control group, fixed for its lifetime:
// inline XML held in the object record, managed content kept by the
// repository, or external and redirect references which the repository never
// fetches itself.
package datastream

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ControlGroup is the storage strategy of a datastream.
type ControlGroup string

// The control groups.
const (
	InlineXML   ControlGroup = "X"
	Managed     ControlGroup = "M"
	ExternalRef ControlGroup = "E"
	Redirect    ControlGroup = "R"
)

// ParseControlGroup validates a control group letter.
func ParseControlGroup(s string) (ControlGroup, error) {
	switch cg := ControlGroup(strings.ToUpper(s)); cg {
	case InlineXML, Managed, ExternalRef, Redirect:
		return cg, nil
	}
	return "", fmt.Errorf("%w: %q", ErrControlGroup, s)
}

// State of a datastream or object.
type State string

// The states.
const (
	Active   State = "A"
	Inactive State = "I"
	Deleted  State = "D"
)

// ParseState validates a state letter.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(s)); st {
	case Active, Inactive, Deleted:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrState, s)
}

var (
	ErrControlGroup = errors.New("invalid control group")
	ErrState        = errors.New("invalid state")
	ErrLocator      = errors.New("invalid content locator")
	ErrNoVersion    = errors.New("no such datastream version")
)

// Datastream is the series of versions for one named unit of content.
//
// The version list is copy-on-write: readers load the current slice without
// locking and always see a consistent set of immutable versions. Changes are
// expected to come from one writer per owning object; the internal lock only
// orders those writes with content materialization.
type Datastream struct {
	PID          string
	ID           string
	ControlGroup ControlGroup

	m           sync.RWMutex // protects the attributes below
	state       State
	versionable bool
	altIDs      []string

	wm       sync.Mutex   // serializes changes to versions
	versions atomic.Value // []Version ordered by Created
	mm       sync.Mutex   // held while external content is copied in
}

// New returns an active, versionable datastream with no versions.
func New(pid, id string, cg ControlGroup) *Datastream {
	ds := &Datastream{
		PID:          pid,
		ID:           id,
		ControlGroup: cg,
		state:        Active,
		versionable:  true,
	}
	ds.versions.Store([]Version(nil))
	return ds
}

// State returns the datastream's state.
func (ds *Datastream) State() State {
	ds.m.RLock()
	defer ds.m.RUnlock()
	return ds.state
}

// SetState changes the datastream's state.
func (ds *Datastream) SetState(s State) {
	ds.m.Lock()
	ds.state = s
	ds.m.Unlock()
}

// Versionable reports whether new versions are kept alongside older ones.
func (ds *Datastream) Versionable() bool {
	ds.m.RLock()
	defer ds.m.RUnlock()
	return ds.versionable
}

// SetVersionable changes whether later versions replace the current one.
func (ds *Datastream) SetVersionable(v bool) {
	ds.m.Lock()
	ds.versionable = v
	ds.m.Unlock()
}

// AltIDs returns the alternate identifiers of the datastream.
func (ds *Datastream) AltIDs() []string {
	ds.m.RLock()
	defer ds.m.RUnlock()
	return append([]string(nil), ds.altIDs...)
}

// SetAltIDs replaces the alternate identifiers.
func (ds *Datastream) SetAltIDs(ids []string) {
	ds.m.Lock()
	ds.altIDs = append([]string(nil), ids...)
	ds.m.Unlock()
}

// Versions returns every version, oldest first.
func (ds *Datastream) Versions() []Version {
	vs := ds.load()
	return append([]Version(nil), vs...)
}

// Len is the number of versions.
func (ds *Datastream) Len() int {
	return len(ds.load())
}

// Current returns the most recently created version.
func (ds *Datastream) Current() (Version, bool) {
	vs := ds.load()
	if len(vs) == 0 {
		return Version{}, false
	}
	return vs[len(vs)-1], true
}

// AsOf returns the latest version created at or before t. A zero t means
// the current version.
func (ds *Datastream) AsOf(t time.Time) (Version, bool) {
	if t.IsZero() {
		return ds.Current()
	}
	vs := ds.load()
	i := sort.Search(len(vs), func(i int) bool { return vs[i].Created.After(t) })
	if i == 0 {
		return Version{}, false
	}
	return vs[i-1], true
}

// Version returns the version with the given id.
func (ds *Datastream) Version(id string) (Version, bool) {
	for _, v := range ds.load() {
		if v.ID == id {
			return v, true
		}
	}
	return Version{}, false
}

// NextVersionID returns the id a new version would get, e.g. "DS1.3".
func (ds *Datastream) NextVersionID() string {
	next := 0
	prefix := ds.ID + "."
	for _, v := range ds.load() {
		n, err := strconv.Atoi(strings.TrimPrefix(v.ID, prefix))
		if err == nil && strings.HasPrefix(v.ID, prefix) && n >= next {
			next = n + 1
		}
	}
	return prefix + strconv.Itoa(next)
}

// AddVersion adds v to the datastream. The version's locator must suit the
// control group, and its id must be unused. If the datastream is not
// versionable, v replaces the current version, which is returned so its
// content can be released.
func (ds *Datastream) AddVersion(v Version) (*Version, error) {
	if err := CheckLocator(ds.ControlGroup, v.Locator); err != nil {
		return nil, err
	}
	if v.ID == "" {
		return nil, fmt.Errorf("%w: version has no id", ErrNoVersion)
	}
	versionable := ds.Versionable()

	ds.wm.Lock()
	defer ds.wm.Unlock()
	old := ds.load()
	for _, x := range old {
		if x.ID == v.ID {
			return nil, fmt.Errorf("version %s already exists", v.ID)
		}
	}
	var replaced *Version
	vs := make([]Version, 0, len(old)+1)
	vs = append(vs, old...)
	if !versionable && len(vs) > 0 {
		r := vs[len(vs)-1]
		replaced = &r
		vs = vs[:len(vs)-1]
	}
	// keep the list ordered by creation time. Versions with equal times
	// stay in the order they were added.
	i := sort.Search(len(vs), func(i int) bool { return vs[i].Created.After(v.Created) })
	vs = append(vs, Version{})
	copy(vs[i+1:], vs[i:])
	vs[i] = v
	ds.versions.Store(vs)
	return replaced, nil
}

// Purge removes the versions created within [start, end] and returns them.
// A zero start or end leaves that side of the range open.
func (ds *Datastream) Purge(start, end time.Time) []Version {
	ds.wm.Lock()
	defer ds.wm.Unlock()
	var keep, removed []Version
	for _, v := range ds.load() {
		if inRange(v.Created, start, end) {
			removed = append(removed, v)
		} else {
			keep = append(keep, v)
		}
	}
	if len(removed) > 0 {
		ds.versions.Store(keep)
	}
	return removed
}

func inRange(t, start, end time.Time) bool {
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

// replaceLocator swaps the locator of one version for a new one by storing a
// fresh copy of the version. Readers holding the old value are unaffected.
func (ds *Datastream) replaceLocator(id string, loc Locator) (Version, error) {
	ds.wm.Lock()
	defer ds.wm.Unlock()
	old := ds.load()
	for i := range old {
		if old[i].ID != id {
			continue
		}
		vs := append([]Version(nil), old...)
		vs[i].Locator = loc
		ds.versions.Store(vs)
		return vs[i], nil
	}
	return Version{}, fmt.Errorf("%w: %s", ErrNoVersion, id)
}

func (ds *Datastream) load() []Version {
	vs, _ := ds.versions.Load().([]Version)
	return vs
}

// Record is the serializable form of a Datastream.
type Record struct {
	ID           string
	ControlGroup ControlGroup
	State        State
	Versionable  bool
	AltIDs       []string `json:",omitempty"`
	Versions     []Version
}

// Record returns a snapshot of ds.
func (ds *Datastream) Record() Record {
	ds.m.RLock()
	defer ds.m.RUnlock()
	return Record{
		ID:           ds.ID,
		ControlGroup: ds.ControlGroup,
		State:        ds.state,
		Versionable:  ds.versionable,
		AltIDs:       append([]string(nil), ds.altIDs...),
		Versions:     ds.Versions(),
	}
}

// FromRecord rebuilds a datastream owned by pid from its record.
func FromRecord(pid string, r Record) (*Datastream, error) {
	if _, err := ParseControlGroup(string(r.ControlGroup)); err != nil {
		return nil, err
	}
	ds := New(pid, r.ID, r.ControlGroup)
	if r.State != "" {
		ds.state = r.State
	}
	ds.versionable = r.Versionable
	ds.altIDs = r.AltIDs
	vs := append([]Version(nil), r.Versions...)
	for _, v := range vs {
		if err := CheckLocator(r.ControlGroup, v.Locator); err != nil {
			return nil, fmt.Errorf("%s/%s: %w", pid, v.ID, err)
		}
	}
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Created.Before(vs[j].Created) })
	ds.versions.Store(vs)
	return ds, nil
}
