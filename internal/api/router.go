package api

import (
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/api/recovery"
	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/store"
)

// NewRouter wires the admin API routes. pinger may be nil when the storage
// driver exposes no liveness probe.
func NewRouter(j *journal.Service, st store.Store, pinger Pinger, log zerolog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery.Middleware)

	h := &handlers{journal: j, store: st, pinger: pinger, log: log}

	router.HandleFunc("/api/health", h.checkHealth).Methods("GET")
	router.HandleFunc("/api/health/db", h.checkStorageHealth).Methods("GET")

	router.HandleFunc("/api/users/{userId}/stats", h.getUserStats).Methods("GET")
	router.HandleFunc("/api/users/{userId}/entries", h.listUserEntries).Methods("GET")

	router.HandleFunc("/api/exercises", h.listExercises).Methods("GET")
	router.HandleFunc("/api/exercises", h.createExercise).Methods("POST")

	return router
}
