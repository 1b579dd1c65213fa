package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/journal"
	"github.com/ndlib/dorepo/upload"
)

// The write routes. Each decodes its arguments, calls the Delegate and
// returns the result as JSON. On a leader the Delegate is a
// journal.Journaler, so every change reaches the journal. Without a
// Delegate the server is read-only and the write routes return 403.

func (s *RESTServer) delegate(w http.ResponseWriter) journal.Delegate {
	if s.Delegate == nil {
		w.WriteHeader(403)
		fmt.Fprintln(w, "read-only server")
	}
	return s.Delegate
}

func callerContext(r *http.Request) *journal.Context {
	return &journal.Context{Caller: r.Header.Get("X-Caller")}
}

// writeResult sends val, or err with a status picked by errorStatus.
func writeResult(w http.ResponseWriter, val interface{}, err error) {
	if err != nil {
		if journal.IsAppendFailure(err) {
			log.Println(err)
		}
		w.WriteHeader(errorStatus(err))
		fmt.Fprintln(w, err)
		return
	}
	writeJSON(w, val)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err)
		return false
	}
	return true
}

// UploadHandler handles requests to POST /upload. The body is staged as a
// temporary stream.
func (s *RESTServer) UploadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	id, err := d.PutTempStream(callerContext(r), r.Body, "")
	writeResult(w, struct{ ID, Location string }{id, upload.Location(id)}, err)
}

// NextPIDHandler handles requests to POST /pid?namespace=ns&n=count.
func (s *RESTServer) NextPIDHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	n := 1
	if v := r.FormValue("n"); v != "" {
		var err error
		n, err = strconv.Atoi(v)
		if err != nil || n < 1 {
			w.WriteHeader(400)
			fmt.Fprintln(w, "bad value for n")
			return
		}
	}
	pids, err := d.GetNextPID(callerContext(r), r.FormValue("namespace"), n, nil)
	writeResult(w, struct{ PIDs []string }{pids}, err)
}

// IngestHandler handles requests to POST /obj. The body is a
// journal.IngestRequest.
func (s *RESTServer) IngestHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	var req journal.IngestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := d.Ingest(callerContext(r), &req)
	writeResult(w, struct{ PID string }{p}, err)
}

// ModifyObjectHandler handles requests to PUT /obj/:pid. The body is a
// journal.ObjectArgs; absent fields are left alone.
func (s *RESTServer) ModifyObjectHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	var args journal.ObjectArgs
	if !decodeBody(w, r, &args) {
		return
	}
	args.PID = ps.ByName("pid")
	err := d.ModifyObject(callerContext(r), &args)
	writeResult(w, struct{ PID string }{args.PID}, err)
}

// PurgeObjectHandler handles requests to DELETE /obj/:pid.
func (s *RESTServer) PurgeObjectHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	p := ps.ByName("pid")
	err := d.PurgeObject(callerContext(r), p)
	writeResult(w, struct{ PID string }{p}, err)
}

// AddDatastreamHandler handles requests to POST /obj/:pid/ds. The body is a
// journal.DatastreamRequest.
func (s *RESTServer) AddDatastreamHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	var req journal.DatastreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	vr, err := d.AddDatastream(callerContext(r), ps.ByName("pid"), &req)
	writeResult(w, vr, err)
}

// ModifyDatastreamHandler handles requests to PUT /obj/:pid/ds/:dsid.
func (s *RESTServer) ModifyDatastreamHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	var req journal.DatastreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	vr, err := d.ModifyDatastream(callerContext(r), ps.ByName("pid"), ps.ByName("dsid"), &req)
	writeResult(w, vr, err)
}

// DatastreamStateHandler handles requests to PUT /obj/:pid/ds/:dsid/state/:state.
func (s *RESTServer) DatastreamStateHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	st, err := datastream.ParseState(ps.ByName("state"))
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintln(w, err)
		return
	}
	err = d.SetDatastreamState(callerContext(r), ps.ByName("pid"), ps.ByName("dsid"), st)
	writeResult(w, struct{ State datastream.State }{st}, err)
}

// PurgeDatastreamHandler handles requests to DELETE /obj/:pid/ds/:dsid.
// The optional RFC 3339 parameters start and end bound the versions removed.
func (s *RESTServer) PurgeDatastreamHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d := s.delegate(w)
	if d == nil {
		return
	}
	var bounds [2]time.Time
	for i, name := range []string{"start", "end"} {
		v := r.FormValue(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, err)
			return
		}
		bounds[i] = t
	}
	dates, err := d.PurgeDatastream(callerContext(r), ps.ByName("pid"), ps.ByName("dsid"), bounds[0], bounds[1])
	writeResult(w, struct{ Purged []time.Time }{dates}, err)
}
