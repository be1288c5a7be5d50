// Package adminhttp exposes the operator-facing debug surface spec.md
// §9 calls out as the admin CLI's closest HTTP equivalent: xid
// inspection, PRNG reseeding (debug.srandom), live stats, and per-xid
// log ring queries.
//
// Router and CORS-middleware shape grounded on internal/api/server.go's
// APIServer: a gorilla/mux router, one constructor taking the
// collaborators it serves, JSON handlers registered with .Methods().
package adminhttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocx/edgeproxy/internal/logring"
	"github.com/ocx/edgeproxy/internal/session"
	"github.com/ocx/edgeproxy/internal/streamhub"
)

// Server is the admin HTTP surface bound to one Engine.
type Server struct {
	engine *session.Engine
	log    *logring.Ring
	stream *streamhub.Hub
}

func New(engine *session.Engine, log *logring.Ring, stream *streamhub.Hub) *Server {
	return &Server{engine: engine, log: log, stream: stream}
}

// Handler builds the mux.Router for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/debug/xid", s.handleXID).Methods("GET", "POST")
	r.HandleFunc("/debug/srandom", s.handleSrandom).Methods("POST")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/directors", s.handleDirectors).Methods("GET")
	r.HandleFunc("/log/{xid}", s.handleLog).Methods("GET")
	if s.stream != nil {
		r.HandleFunc("/stream", s.stream.ServeHTTP)
		r.HandleFunc("/stream/stats", s.handleStreamStats).Methods("GET")
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleXID reports the xid counter's current watermark without
// consuming one (spec.md §9's "an admin surface to peek the xid
// sequence", the Go-native analog of Varnish's `debug.xid`). A POST
// with an "xid" query parameter first sets the counter to that value.
func (s *Server) handleXID(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		v, err := strconv.ParseUint(r.URL.Query().Get("xid"), 10, 64)
		if err != nil {
			http.Error(w, "xid must be an unsigned integer", http.StatusBadRequest)
			return
		}
		s.engine.XID.Set(v)
	}
	writeJSON(w, map[string]uint64{"xid": s.engine.XID.Peek()})
}

// handleSrandom reseeds the session PRNG deterministically, mirroring
// Varnish's `debug.srandom` CLI verb used to make test runs
// reproducible.
func (s *Server) handleSrandom(w http.ResponseWriter, r *http.Request) {
	seedStr := r.URL.Query().Get("seed")
	seed, err := strconv.ParseUint(seedStr, 10, 64)
	if err != nil {
		http.Error(w, "seed must be an unsigned integer", http.StatusBadRequest)
		return
	}
	s.engine.PRNG.Reseed(int64(seed))
	writeJSON(w, map[string]uint64{"seed": seed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Stats())
}

func (s *Server) handleDirectors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Backend.DirectorNames())
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeJSON(w, []logring.Entry{})
		return
	}
	xid, err := strconv.ParseUint(mux.Vars(r)["xid"], 10, 64)
	if err != nil {
		http.Error(w, "xid must be an unsigned integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.log.ForXID(xid))
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stream.Stats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
