package server

import (
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/dorepo/journal"
)

// JournalHandler handles requests to GET /journal. It streams every durable
// entry from position "from" (default 1) as a sequence of CBOR items.
func (s *RESTServer) JournalHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Journal == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "no journal")
		return
	}
	from := uint64(1)
	if v := r.FormValue("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad value for from")
			return
		}
		from = n
	}
	w.Header().Set("Content-Type", "application/cbor")
	enc := journal.NewEncoder(w)
	var count int
	err := s.Journal.Scan(from, func(e *journal.Entry) error {
		count++
		return enc.Encode(e)
	})
	if err != nil {
		// the status has been sent. the client sees a truncated stream.
		log.Printf("journal feed from %d: %s", from, err)
	}
	if s.Stats != nil {
		s.Stats.BumpSum("journal.feed.entries", float64(count))
	}
}

// JournalStatus is the body of GET /journal/status.
type JournalStatus struct {
	Last uint64
}

// JournalStatusHandler handles requests to GET /journal/status.
func (s *RESTServer) JournalStatusHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Journal == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "no journal")
		return
	}
	last, err := s.Journal.Last()
	if err != nil {
		w.WriteHeader(500)
		fmt.Fprintln(w, err)
		return
	}
	writeJSON(w, JournalStatus{Last: last})
}
