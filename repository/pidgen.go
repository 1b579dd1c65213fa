package repository

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/dorepo/pid"
	"github.com/ndlib/dorepo/store"
)

// PIDGenerator hands out new PIDs. It keeps, per namespace, the highest
// numeric object id it has given out or been told about, and persists that
// mark after every change.
type PIDGenerator struct {
	js store.JSONStore

	m     sync.Mutex       // protects marks
	marks map[string]int64 // namespace -> highest id used
}

const pidgenKey = "pidgen"

// NewPIDGenerator loads the marks kept in s.
func NewPIDGenerator(s store.Store) (*PIDGenerator, error) {
	g := &PIDGenerator{
		js:    store.NewJSON(s),
		marks: make(map[string]int64),
	}
	err := g.js.Load(pidgenKey, &g.marks)
	if err != nil && !errors.Is(err, store.ErrNotExist) {
		return nil, errors.Wrap(err, "loading pid generator")
	}
	return g, nil
}

// Next allocates n new PIDs in namespace ns.
func (g *PIDGenerator) Next(ns string, n int) ([]pid.PID, error) {
	if _, err := pid.Parse(ns + ":1"); err != nil {
		return nil, err
	}
	g.m.Lock()
	defer g.m.Unlock()
	mark := g.marks[ns]
	var result []pid.PID
	for i := 1; i <= n; i++ {
		p, err := pid.Parse(ns + ":" + strconv.FormatInt(mark+int64(i), 10))
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	g.marks[ns] = mark + int64(n)
	if err := g.js.Save(pidgenKey, g.marks); err != nil {
		g.marks[ns] = mark
		return nil, errors.Wrap(err, "saving pid generator")
	}
	return result, nil
}

// Reserve makes sure p will never be generated. PIDs with non-numeric
// object ids are never generated anyway.
func (g *PIDGenerator) Reserve(p pid.PID) error {
	n, err := strconv.ParseInt(p.ObjectID(), 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	g.m.Lock()
	defer g.m.Unlock()
	old := g.marks[p.Namespace()]
	if n <= old {
		return nil
	}
	g.marks[p.Namespace()] = n
	if err := g.js.Save(pidgenKey, g.marks); err != nil {
		g.marks[p.Namespace()] = old
		return errors.Wrap(err, "saving pid generator")
	}
	return nil
}

// Mark returns the highest object id used in namespace ns.
func (g *PIDGenerator) Mark(ns string) int64 {
	g.m.Lock()
	defer g.m.Unlock()
	return g.marks[ns]
}
