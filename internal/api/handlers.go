// Package api exposes the read-mostly admin surface: health probes, per-user
// stats and entries, and exercise catalog management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/api/respond"
	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
)

// Pinger reports storage liveness. Both store drivers implement it.
type Pinger interface {
	HealthPing(ctx context.Context) error
}

type handlers struct {
	journal *journal.Service
	store   store.Store
	pinger  Pinger
	log     zerolog.Logger
}

func (h *handlers) checkHealth(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "somnia"})
}

func (h *handlers) checkStorageHealth(w http.ResponseWriter, r *http.Request) {
	if h.pinger == nil {
		respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	if err := h.pinger.HealthPing(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("storage health check failed")
		respond.WriteError(w, http.StatusServiceUnavailable, "storage unreachable")
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func userID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
}

func (h *handlers) getUserStats(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		respond.WriteBadRequest(w, "userId must be an integer")
		return
	}
	stats, err := h.journal.Stats(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			respond.WriteNotFound(w, "user not found")
			return
		}
		h.log.Error().Err(err).Int64("user_id", id).Msg("stats lookup failed")
		respond.WriteInternalError(w, "failed to load stats")
		return
	}
	respond.WriteJSON(w, http.StatusOK, stats)
}

func (h *handlers) listUserEntries(w http.ResponseWriter, r *http.Request) {
	id, err := userID(r)
	if err != nil {
		respond.WriteBadRequest(w, "userId must be an integer")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			respond.WriteBadRequest(w, "limit must be in [1, 200]")
			return
		}
		limit = n
	}
	entries, err := h.journal.RecentEntries(r.Context(), id, limit)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", id).Msg("entry list failed")
		respond.WriteInternalError(w, "failed to load entries")
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (h *handlers) listExercises(w http.ResponseWriter, r *http.Request) {
	exercises, err := h.store.Exercises().List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("exercise list failed")
		respond.WriteInternalError(w, "failed to load exercises")
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"exercises": exercises, "count": len(exercises)})
}

func (h *handlers) createExercise(w http.ResponseWriter, r *http.Request) {
	var ex model.Exercise
	if err := json.NewDecoder(r.Body).Decode(&ex); err != nil {
		respond.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if ex.Title == "" || ex.Instructions == "" {
		respond.WriteBadRequest(w, "title and instructions are required")
		return
	}
	if ex.Tier < model.TierMin || ex.Tier > model.TierMax {
		respond.WriteBadRequest(w, "tier must be between 1 and 3")
		return
	}
	created, err := h.store.Exercises().Put(r.Context(), &ex)
	if err != nil {
		h.log.Error().Err(err).Msg("exercise create failed")
		respond.WriteInternalError(w, "failed to store exercise")
		return
	}
	respond.WriteJSON(w, http.StatusCreated, created)
}
