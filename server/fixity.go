package server

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ndlib/dorepo/fixity"
)

// FixityHandler handles requests to GET /fixity. The results may be
// narrowed with the query parameters "pid" and "status".
func (s *RESTServer) FixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Fixity == nil {
		w.WriteHeader(404)
		fmt.Fprintln(w, "fixity checking is disabled")
		return
	}
	pid := r.FormValue("pid")
	status := fixity.Status(r.FormValue("status"))
	results := []fixity.Result{}
	for _, res := range s.Fixity.Results() {
		if pid != "" && res.PID != pid {
			continue
		}
		if status != "" && res.Status != status {
			continue
		}
		results = append(results, res)
	}
	writeJSON(w, results)
}
