// Package server exposes a repository over HTTP: the journal feed followers
// replay from, datastream content, fixity results and runtime counters, and
// on a leader the management operations.
package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/dorepo/fixity"
	"github.com/ndlib/dorepo/journal"
	"github.com/ndlib/dorepo/repository"
)

// RESTServer holds the configuration for the HTTP surface of a repository.
//
// Set all the public fields and then call Run. Do not change any fields
// after calling Run.
type RESTServer struct {
	// Port number to listen on. defaults to 14000
	PortNumber string
	PProfPort  string

	// Repo is the repository content is served from. Run will panic if
	// Repo is nil.
	Repo *repository.Repository

	// Journal is served to followers. If nil the journal routes return 404.
	Journal journal.Source

	// Delegate carries out the write routes. On a leader it is the
	// journal.Journaler wrapping Repo. If nil the server is read-only.
	Delegate journal.Delegate

	// Fixity, if set, supplies the results for /fixity.
	Fixity *fixity.Checker

	// Stats collects counters from the server and is published at /stats.
	Stats *ExpvarStats

	server httpdown.Server // used to close our listening socket
}

// Version is reported on the welcome page. It is set at link time.
var Version = "dev"

// Run blocks listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting dorepo server version %s", Version)

	if s.Repo == nil {
		panic("No repository given. Repo is nil.")
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	if s.Stats != nil {
		h.Stats = s.Stats
	}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.Handler(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and returns once every open request has
// finished.
func (s *RESTServer) Stop() error {
	return s.server.Stop()
}

// Handler returns the routes of the server.
func (s *RESTServer) Handler() http.Handler {
	var routes = []struct {
		method  string
		route   string
		handler httprouter.Handle
	}{
		{"GET", "/journal", s.JournalHandler},
		{"GET", "/journal/status", s.JournalStatusHandler},

		{"GET", "/obj/:pid/ds/:dsid", s.ContentHandler},
		{"HEAD", "/obj/:pid/ds/:dsid", s.ContentHandler},

		// management operations
		{"POST", "/upload", s.UploadHandler},
		{"POST", "/pid", s.NextPIDHandler},
		{"POST", "/obj", s.IngestHandler},
		{"PUT", "/obj/:pid", s.ModifyObjectHandler},
		{"DELETE", "/obj/:pid", s.PurgeObjectHandler},
		{"POST", "/obj/:pid/ds", s.AddDatastreamHandler},
		{"PUT", "/obj/:pid/ds/:dsid", s.ModifyDatastreamHandler},
		{"DELETE", "/obj/:pid/ds/:dsid", s.PurgeDatastreamHandler},
		{"PUT", "/obj/:pid/ds/:dsid/state/:state", s.DatastreamStateHandler},

		{"GET", "/fixity", s.FixityHandler},

		// other
		{"GET", "/", WelcomeHandler},
		{"GET", "/stats", s.StatsHandler},
		{"GET", "/debug/vars", VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, s.logWrapper(route.handler))
	}
	return r
}

// WelcomeHandler names the server and its version.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "dorepo (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	expvar.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(val)
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func (s *RESTServer) logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		if s.Stats != nil {
			s.Stats.BumpSum("http.request", 1)
		}
		handler(w, r, ps)
	}
}
