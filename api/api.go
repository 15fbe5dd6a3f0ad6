package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/sushantsondhi/raft-core/raft"
)

// StatusProvider is implemented by *raft.ConsensusCore.
type StatusProvider interface {
	Status() raft.Status
}

// NewRouter serves the read-only node API under /api.
func NewRouter(node StatusProvider) *mux.Router {
	r := mux.NewRouter()
	sr := r.PathPrefix("/api").Subrouter()
	sr.Path("/status").Methods("GET").HandlerFunc(statusHandler(node))
	return r
}

func statusHandler(node StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(node.Status()); err != nil {
			log.WithError(err).Warn("error writing status response")
		}
	}
}
