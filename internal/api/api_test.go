package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/model"
	"github.com/somnolab/somnia/internal/store"
	"github.com/somnolab/somnia/internal/store/storetest"
)

type stubPinger struct{ err error }

func (p stubPinger) HealthPing(context.Context) error { return p.err }

func newTestServer(t *testing.T, pinger Pinger) (*httptest.Server, store.Store) {
	t.Helper()
	st := storetest.NewMem()
	j := journal.New(st, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(j, st, pinger, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, st
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, stubPinger{})

	resp, body := get(t, srv.URL+"/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])

	resp, body = get(t, srv.URL+"/api/health/db")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
}

func TestStorageHealthFailure(t *testing.T) {
	srv, _ := newTestServer(t, stubPinger{err: errors.New("connection refused")})

	resp, _ := get(t, srv.URL+"/api/health/db")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUserStats(t *testing.T) {
	srv, st := newTestServer(t, stubPinger{})
	ctx := context.Background()

	_, err := st.Users().Upsert(ctx, &model.User{UserID: 42, ChatID: 420, TimeZone: "UTC"})
	require.NoError(t, err)
	_, err = st.Entries().Create(ctx, &model.DreamEntry{UserID: 42, Setting: "a pier", Lucid: true, Clarity: 4})
	require.NoError(t, err)

	resp, body := get(t, srv.URL+"/api/users/42/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["entries30"])
	require.Equal(t, float64(1), body["lucid30"])

	resp, _ = get(t, srv.URL+"/api/users/999/stats")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/users/abc/stats")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserEntriesLimit(t *testing.T) {
	srv, st := newTestServer(t, stubPinger{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := st.Entries().Create(ctx, &model.DreamEntry{UserID: 1, Setting: "scene"})
		require.NoError(t, err)
	}

	resp, body := get(t, srv.URL+"/api/users/1/entries?limit=3")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(3), body["count"])

	resp, _ = get(t, srv.URL+"/api/users/1/entries?limit=0")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExerciseCatalog(t *testing.T) {
	srv, _ := newTestServer(t, stubPinger{})

	payload := `{"title": "Spin Anchor", "instructions": "On lucidity onset, spin in place.", "tier": 3}`
	resp, err := http.Post(srv.URL+"/api/exercises", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Exercise
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ExerciseID)

	resp2, body := get(t, srv.URL+"/api/exercises")
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.Equal(t, float64(1), body["count"])
}

func TestCreateExerciseValidation(t *testing.T) {
	srv, _ := newTestServer(t, stubPinger{})

	for _, payload := range []string{
		`{"title": "", "instructions": "x", "tier": 1}`,
		`{"title": "x", "instructions": "", "tier": 1}`,
		`{"title": "x", "instructions": "y", "tier": 9}`,
		`not json`,
	} {
		resp, err := http.Post(srv.URL+"/api/exercises", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload: %s", payload)
	}
}
