package journal

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ndlib/dorepo/datastream"
)

// fakeDelegate allocates identifiers from a counter, so two instances started
// at different counters disagree unless recovery values are pinned.
type fakeDelegate struct {
	m       sync.Mutex
	next    int
	objects map[string]bool
	uploads map[string]string
	calls   []string
	fail    error
}

func newFake(next int) *fakeDelegate {
	return &fakeDelegate{
		next:    next,
		objects: make(map[string]bool),
		uploads: make(map[string]string),
	}
}

func (f *fakeDelegate) record(ctx *Context, s string) error {
	f.calls = append(f.calls, fmt.Sprintf("%s@%s", s, ctx.Now.Format(time.RFC3339)))
	return f.fail
}

func (f *fakeDelegate) alloc(ns string) string {
	f.next++
	return fmt.Sprintf("%s:%d", ns, f.next-1)
}

func (f *fakeDelegate) Ingest(ctx *Context, req *IngestRequest) (string, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record(ctx, "ingest"); err != nil {
		return "", err
	}
	p := req.PID
	if p == "" {
		p = f.alloc("demo")
	}
	if f.objects[p] {
		return "", fmt.Errorf("%s exists", p)
	}
	f.objects[p] = true
	return p, nil
}

func (f *fakeDelegate) ModifyObject(ctx *Context, args *ObjectArgs) error {
	f.m.Lock()
	defer f.m.Unlock()
	return f.record(ctx, "modify "+args.PID)
}

func (f *fakeDelegate) PurgeObject(ctx *Context, pid string) error {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record(ctx, "purge "+pid); err != nil {
		return err
	}
	if !f.objects[pid] {
		return fmt.Errorf("%s not found", pid)
	}
	delete(f.objects, pid)
	return nil
}

func (f *fakeDelegate) AddDatastream(ctx *Context, pid string, req *DatastreamRequest) (VersionResult, error) {
	f.m.Lock()
	defer f.m.Unlock()
	id := req.ID
	if id == "" {
		id = fmt.Sprintf("DS%d", f.next)
		f.next++
	}
	vid := req.VersionID
	if vid == "" {
		vid = id + ".0"
	}
	return VersionResult{DSID: id, VersionID: vid, ChecksumType: "MD5", Checksum: "abc"}, f.record(ctx, "add "+id)
}

func (f *fakeDelegate) ModifyDatastream(ctx *Context, pid, dsID string, req *DatastreamRequest) (VersionResult, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return VersionResult{DSID: dsID, VersionID: dsID + ".1"}, f.record(ctx, "modify "+dsID)
}

func (f *fakeDelegate) SetDatastreamState(ctx *Context, pid, dsID string, state datastream.State) error {
	f.m.Lock()
	defer f.m.Unlock()
	return f.record(ctx, "state "+string(state))
}

func (f *fakeDelegate) PurgeDatastream(ctx *Context, pid, dsID string, start, end time.Time) ([]time.Time, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return []time.Time{start}, f.record(ctx, "purgeds "+dsID)
}

func (f *fakeDelegate) GetNextPID(ctx *Context, ns string, n int, pinned []string) ([]string, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if err := f.record(ctx, "nextpid"); err != nil {
		return nil, err
	}
	if len(pinned) > 0 {
		return pinned, nil
	}
	var result []string
	for i := 0; i < n; i++ {
		result = append(result, f.alloc(ns))
	}
	return result, nil
}

func (f *fakeDelegate) PutTempStream(ctx *Context, r io.Reader, pinnedID string) (string, error) {
	f.m.Lock()
	defer f.m.Unlock()
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return "", err
	}
	id := pinnedID
	if id == "" {
		id = fmt.Sprintf("up-%d", f.next)
		f.next++
	}
	f.uploads[id] = string(b)
	return id, f.record(ctx, "upload "+id)
}

var now = time.Date(2021, 6, 1, 9, 30, 0, 0, time.UTC)

func newJournaler(t *testing.T, d Delegate, l Log) *Journaler {
	w, err := NewWriter(l)
	if err != nil {
		t.Fatal(err)
	}
	return NewJournaler(d, w)
}

func TestRecovery(t *testing.T) {
	r := make(Recovery)
	if err := r.Set(RecoverPID, "demo:1"); err != nil {
		t.Fatal(err)
	}
	err := r.Set(RecoverPID, "demo:2")
	if !errors.Is(err, ErrRecoveryValueSet) {
		t.Errorf("Got %v, expected ErrRecoveryValueSet", err)
	}
	if p, _ := r.Get(RecoverPID); p != "demo:1" {
		t.Errorf("Got %s, expected demo:1", p)
	}
	var empty Recovery
	if _, ok := empty.Get(RecoverPID); ok {
		t.Errorf("nil recovery has a value")
	}
}

func TestOperationCheck(t *testing.T) {
	var table = []struct {
		op Operation
		ok bool
	}{
		{Operation{Kind: Ingest, Ingest: &IngestRequest{}}, true},
		{Operation{Kind: Ingest}, false},
		{Operation{Kind: PurgeObject, Object: &ObjectArgs{PID: "demo:1"}}, true},
		{Operation{Kind: PurgeObject, Object: &ObjectArgs{}}, false},
		{Operation{Kind: GetNextPID, NextPID: &NextPIDArgs{Namespace: "demo", N: 0}}, false},
		{Operation{Kind: PurgeDatastream, Datastream: &DatastreamArgs{PID: "demo:1", DSID: "DS1"}}, true},
		{Operation{Kind: AddDatastream, Datastream: &DatastreamArgs{PID: "demo:1"}}, false},
		{Operation{Kind: "frobnicate"}, false},
	}
	for _, tab := range table {
		err := tab.op.Check()
		if (err == nil) != tab.ok {
			t.Errorf("Check(%s) got %v, expected ok=%v", tab.op.Kind, err, tab.ok)
		}
	}
}

func TestJournalOnlyOnSuccess(t *testing.T) {
	l := NewMemoryLog()
	d := newFake(500)
	j := newJournaler(t, d, l)
	ctx := &Context{Caller: "fedoraAdmin", Now: now}

	p, err := j.Ingest(ctx, &IngestRequest{Label: "one"})
	if err != nil || p != "demo:500" {
		t.Fatalf("Got %q, %v, expected demo:500", p, err)
	}
	d.fail = errors.New("nope")
	if _, err := j.Ingest(ctx, &IngestRequest{}); err == nil {
		t.Errorf("expected delegate error")
	} else if IsAppendFailure(err) {
		t.Errorf("delegate failure reported as append failure")
	}
	last, _ := l.Last()
	if last != 1 {
		t.Errorf("Got %d entries, expected 1", last)
	}
	var got []*Entry
	l.Scan(1, func(e *Entry) error { got = append(got, e); return nil })
	e := got[0]
	if p, _ := e.Recovery.Get(RecoverPID); p != "demo:500" {
		t.Errorf("Got recovery pid %q, expected demo:500", p)
	}
	if e.Caller != "fedoraAdmin" || !e.Timestamp.Equal(now) || e.Status != Appended {
		t.Errorf("Got entry %+v", e)
	}
}

func TestAppendFailure(t *testing.T) {
	l := NewMemoryLog()
	d := newFake(1)
	j := newJournaler(t, d, l)
	l.Close()
	p, err := j.Ingest(&Context{Now: now}, &IngestRequest{})
	if !IsAppendFailure(err) {
		t.Fatalf("Got %v, expected an append failure", err)
	}
	if !errors.Is(err, ErrLogClosed) {
		t.Errorf("Got %v, expected it to wrap ErrLogClosed", err)
	}
	// the operation ran
	if p != "demo:1" || !d.objects["demo:1"] {
		t.Errorf("Got %q, expected demo:1 to have been ingested", p)
	}
	var ae *AppendError
	errors.As(err, &ae)
	if ae.Entry.Status != Recorded {
		t.Errorf("Got status %s, expected recorded", ae.Entry.Status)
	}
}

func TestReplayPinsValues(t *testing.T) {
	l := NewMemoryLog()
	leader := newFake(500)
	j := newJournaler(t, leader, l)
	ctx := &Context{Caller: "admin", Now: now}
	j.Ingest(ctx, &IngestRequest{})
	pids, _ := j.GetNextPID(ctx, "demo", 3, nil)
	id, _ := j.PutTempStream(ctx, strings.NewReader("hello"), "")
	vr, _ := j.AddDatastream(ctx, "demo:500", &DatastreamRequest{ControlGroup: datastream.Managed})

	follower := newFake(7)
	r := &Replayer{Delegate: follower}
	report, err := r.Replay(l, 1)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 4 || len(report.Conflicts) != 0 || report.Last != 4 {
		t.Errorf("Got report %+v", report)
	}
	if !follower.objects["demo:500"] {
		t.Errorf("follower did not ingest demo:500: %v", follower.objects)
	}
	if follower.uploads[id] != "hello" {
		t.Errorf("Got uploads %v, expected %s", follower.uploads, id)
	}
	if pids[0] != "demo:501" {
		t.Errorf("Got %v, expected demo:501 first", pids)
	}
	if vr.DSID == "" || vr.Checksum != "abc" {
		t.Errorf("Got %+v", vr)
	}
	// replayed calls carry the original time
	for _, c := range follower.calls {
		if c[len(c)-20:] != now.Format(time.RFC3339) {
			t.Errorf("Got call %s, expected time %s", c, now.Format(time.RFC3339))
		}
	}
}

func TestReplayConflictContinues(t *testing.T) {
	l := NewMemoryLog()
	leader := newFake(1)
	leader.objects["demo:1"] = true
	leader.objects["demo:2"] = true
	j := newJournaler(t, leader, l)
	ctx := &Context{Now: now}
	j.PurgeObject(ctx, "demo:1")
	j.PurgeObject(ctx, "demo:2")

	follower := newFake(1)
	follower.objects["demo:2"] = true // demo:1 is missing here
	report, err := (&Replayer{Delegate: follower}).Replay(l, 1)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 1 || len(report.Conflicts) != 1 {
		t.Fatalf("Got report %+v", report)
	}
	ce := report.Conflicts[0]
	if !errors.Is(ce, ErrReplayConflict) || ce.Position != 1 || ce.Kind != PurgeObject {
		t.Errorf("Got %v", ce)
	}
	if follower.objects["demo:2"] {
		t.Errorf("demo:2 was not purged after the conflict")
	}
}

func TestWriterPositions(t *testing.T) {
	l := NewMemoryLog()
	w, _ := NewWriter(l)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := newEntry(&Context{Now: now}, Operation{Kind: PurgeObject, Object: &ObjectArgs{PID: "demo:1"}})
			if err := w.Append(e); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	var expected uint64 = 1
	w.Scan(1, func(e *Entry) error {
		if e.Position != expected {
			t.Errorf("Got position %d, expected %d", e.Position, expected)
		}
		expected++
		return nil
	})
	if expected != 21 {
		t.Errorf("Got %d entries, expected 20", expected-1)
	}
	// a log refuses entries out of order
	err := l.Append(&Entry{Position: 40})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Got %v, expected ErrOutOfOrder", err)
	}
}

func TestFollowerStep(t *testing.T) {
	l := NewMemoryLog()
	leader := newFake(1)
	j := newJournaler(t, leader, l)
	ctx := &Context{Now: now}
	j.Ingest(ctx, &IngestRequest{})

	follower := newFake(1000)
	f := NewFollower(l, follower, time.Minute)
	f.Step()
	j.Ingest(ctx, &IngestRequest{})
	report, _ := f.Step()
	if report.Applied != 1 || f.Last() != 2 {
		t.Errorf("Got report %+v at %d, expected one new entry at 2", report, f.Last())
	}
	if !follower.objects["demo:1"] || !follower.objects["demo:2"] {
		t.Errorf("Got %v, expected demo:1 and demo:2", follower.objects)
	}
}

// slowDelegate holds up the modification labelled "A" after it has taken
// effect, leaving room for another writer to get in between.
type slowDelegate struct {
	*fakeDelegate
	m        sync.Mutex
	applied  []string
	executed chan struct{}
	release  chan struct{}
}

func (d *slowDelegate) ModifyObject(ctx *Context, args *ObjectArgs) error {
	if err := d.fakeDelegate.ModifyObject(ctx, args); err != nil {
		return err
	}
	d.m.Lock()
	d.applied = append(d.applied, *args.Label)
	d.m.Unlock()
	if *args.Label == "A" {
		close(d.executed)
		<-d.release
	}
	return nil
}

func TestConcurrentWritersKeepOrder(t *testing.T) {
	l := NewMemoryLog()
	d := &slowDelegate{
		fakeDelegate: newFake(1),
		executed:     make(chan struct{}),
		release:      make(chan struct{}),
	}
	j := newJournaler(t, d, l)
	modify := func(label string, wg *sync.WaitGroup) {
		defer wg.Done()
		err := j.ModifyObject(&Context{}, &ObjectArgs{PID: "demo:1", Label: &label})
		if err != nil {
			t.Errorf("ModifyObject(%s) got %v", label, err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go modify("A", &wg)
	<-d.executed
	go modify("B", &wg)
	time.Sleep(50 * time.Millisecond)
	close(d.release)
	wg.Wait()

	var journaled []string
	l.Scan(1, func(e *Entry) error {
		journaled = append(journaled, *e.Operation.Object.Label)
		return nil
	})
	if len(journaled) != 2 || len(d.applied) != 2 {
		t.Fatalf("Got journal %v and applied %v, expected two of each", journaled, d.applied)
	}
	for i := range journaled {
		if journaled[i] != d.applied[i] {
			t.Errorf("Got journal order %v, expected %v", journaled, d.applied)
			break
		}
	}
}
