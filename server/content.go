package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/dorepo/checksum"
	"github.com/ndlib/dorepo/datastream"
	"github.com/ndlib/dorepo/journal"
	"github.com/ndlib/dorepo/pid"
	"github.com/ndlib/dorepo/repository"
)

// ContentHandler handles requests to GET /obj/:pid/ds/:dsid. The optional
// query parameter asOf selects the version current at that RFC 3339 time.
// Datastreams whose content lives elsewhere are redirected to.
func (s *RESTServer) ContentHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var asOf time.Time
	if v := r.FormValue("asOf"); v != "" {
		var err error
		asOf, err = time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(400)
			fmt.Fprintln(w, err)
			return
		}
	}
	p, dsID := ps.ByName("pid"), ps.ByName("dsid")
	rc, v, err := s.Repo.Content(r.Context(), p, dsID, asOf)
	if errors.Is(err, datastream.ErrNotLocal) {
		ds, err2 := s.Repo.Datastream(p, dsID)
		if err2 == nil {
			if u, ok := datastream.URL(ds, v); ok {
				http.Redirect(w, r, u, http.StatusFound)
				return
			}
		}
	}
	if err != nil {
		w.WriteHeader(errorStatus(err))
		fmt.Fprintln(w, err)
		return
	}
	defer rc.Close()
	if v.MIMEType != "" {
		w.Header().Set("Content-Type", v.MIMEType)
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", v.ID))
	w.Header().Set("Last-Modified", v.Created.UTC().Format(http.TimeFormat))
	if r.Method == "HEAD" {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("content %s/%s: %s", p, dsID, err)
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, datastream.ErrContentUnavailable):
		return 503
	case errors.Is(err, pid.ErrMalformed),
		errors.Is(err, journal.ErrBadOperation),
		errors.Is(err, repository.ErrControlGroupChange),
		errors.Is(err, repository.ErrNoContent),
		errors.Is(err, datastream.ErrLocator),
		errors.Is(err, datastream.ErrControlGroup),
		errors.Is(err, datastream.ErrState),
		errors.Is(err, checksum.ErrMismatch),
		errors.Is(err, checksum.ErrUnsupported):
		return 400
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrNoDatastream),
		errors.Is(err, datastream.ErrNoVersion):
		return 404
	case errors.Is(err, repository.ErrExists),
		errors.Is(err, repository.ErrDatastreamExists):
		return 409
	}
	return 500
}
