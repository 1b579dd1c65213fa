package server

import (
	"expvar"
	"net/http"
	"time"

	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"
)

// ExpvarStats is a stats.Client keeping its counters in an expvar.Map.
// Sums are kept under their key. Averages, histograms and timings keep a
// total and a count, under key+".total" and key+".count".
type ExpvarStats struct {
	m *expvar.Map
}

var _ stats.Client = &ExpvarStats{}

// NewExpvarStats returns an empty, unpublished collection of counters.
func NewExpvarStats() *ExpvarStats {
	return &ExpvarStats{m: new(expvar.Map).Init()}
}

// Publish makes the counters visible at /debug/vars under name. It panics
// if name is already published.
func (es *ExpvarStats) Publish(name string) {
	expvar.Publish(name, es.m)
}

// BumpSum adds val to key.
func (es *ExpvarStats) BumpSum(key string, val float64) {
	es.m.AddFloat(key, val)
}

// BumpAvg records one sample of key.
func (es *ExpvarStats) BumpAvg(key string, val float64) {
	es.m.AddFloat(key+".total", val)
	es.m.Add(key+".count", 1)
}

// BumpHistogram records one sample of key. No buckets are kept.
func (es *ExpvarStats) BumpHistogram(key string, val float64) {
	es.BumpAvg(key, val)
}

// BumpTime starts timing key. The elapsed milliseconds are recorded when
// End is called on the result.
func (es *ExpvarStats) BumpTime(key string) interface {
	End()
} {
	return timer{es: es, key: key, start: time.Now()}
}

type timer struct {
	es    *ExpvarStats
	key   string
	start time.Time
}

func (t timer) End() {
	t.es.BumpAvg(t.key, float64(time.Since(t.start))/float64(time.Millisecond))
}

// Get returns the value recorded under key, or nil.
func (es *ExpvarStats) Get(key string) expvar.Var {
	return es.m.Get(key)
}

// StatsHandler handles requests to GET /stats.
func (s *RESTServer) StatsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if s.Stats == nil {
		w.Write([]byte("{}\n"))
		return
	}
	w.Write([]byte(s.Stats.m.String()))
	w.Write([]byte("\n"))
}
