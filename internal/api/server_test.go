package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestkit/harvester/internal/clock/system"
	"github.com/harvestkit/harvester/internal/config"
	"github.com/harvestkit/harvester/internal/fingerprint"
	"github.com/harvestkit/harvester/internal/harvester"
	iduuid "github.com/harvestkit/harvester/internal/id/uuid"
	"github.com/harvestkit/harvester/internal/orchestrator"
	"github.com/harvestkit/harvester/internal/pacing"
	"github.com/harvestkit/harvester/internal/retry"
	"github.com/harvestkit/harvester/internal/state/memory"
)

// holdSource keeps a run alive until release is closed.
type holdSource struct {
	release chan struct{}
	once    sync.Once
}

func newHoldSource() *holdSource {
	return &holdSource{release: make(chan struct{})}
}

func (s *holdSource) Connect(context.Context) error { return nil }

func (s *holdSource) FetchBatch(ctx context.Context, _ string) (harvester.Batch, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return harvester.Batch{}, harvester.ErrSourceExhausted
}

func (s *holdSource) Close(context.Context) error {
	s.once.Do(func() { close(s.release) })
	return nil
}

type nopSink struct{}

func (nopSink) Archive(context.Context, harvester.Item, string) error { return nil }

func newTestServer(t *testing.T, source harvester.ItemSource, cfg config.Config) (*Server, *memory.Store, *orchestrator.Orchestrator) {
	t.Helper()
	clk := system.New()
	store := memory.New(clk, iduuid.New(), zap.NewNop())
	pacer := pacing.New(pacing.Config{
		MinDelay:     time.Nanosecond,
		MaxDelay:     time.Nanosecond,
		LongPauseMin: time.Nanosecond,
		LongPauseMax: time.Nanosecond,
	})
	retrier := retry.New(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, zap.NewNop())
	orch := orchestrator.New(store, source, nopSink{}, nil, fingerprint.New(), pacer, retrier, clk, nil, zap.NewNop(), orchestrator.Config{})
	return NewServer(orch, store, clk, zap.NewNop(), cfg), store, orch
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	payload := map[string]any{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	}
	return rec, payload
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, newHoldSource(), config.Config{})

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, body = doJSON(t, srv.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", body["status"])
}

func TestStartSessionConflictsWhileRunning(t *testing.T) {
	t.Parallel()

	source := newHoldSource()
	srv, _, orch := newTestServer(t, source, config.Config{})

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions", `{"target_count": 10}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, body["session_id"])

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	orch.Stop()
	orch.Wait()
}

func TestStartSessionRejectsNegativeTarget(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, newHoldSource(), config.Config{})
	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions", `{"target_count": -1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopSession(t *testing.T) {
	t.Parallel()

	source := newHoldSource()
	srv, _, orch := newTestServer(t, source, config.Config{})

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/current/stop", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions/current/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	summary := orch.Wait()
	require.Equal(t, harvester.StatusInterrupted, summary.Status)
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, newHoldSource(), config.Config{})

	sessionID, err := store.StartSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.EndSession(context.Background(), sessionID, harvester.StatusCompleted))

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/v1/sessions/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	sess, ok := body["session"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, sessionID, sess["session_id"])
	require.Equal(t, string(harvester.StatusCompleted), sess["status"])

	rec, _ = doJSON(t, srv.Handler(), http.MethodGet, "/v1/sessions/no-such-session", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	srv, store, _ := newTestServer(t, newHoldSource(), config.Config{})

	sessionID, err := store.StartSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(context.Background(), "fp-1", sessionID))
	require.NoError(t, store.EndSession(context.Background(), sessionID, harvester.StatusCompleted))

	rec, body := doJSON(t, srv.Handler(), http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, stats["total_all_time"])
	require.EqualValues(t, 1, stats["session_count"])
}

func TestPruneValidation(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, newHoldSource(), config.Config{})

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/v1/prune", `{"keep_days": 0}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/v1/prune", `{"keep_days": 30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, body["pruned_before"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	srv, _, _ := newTestServer(t, newHoldSource(), cfg)

	rec, _ := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, newHoldSource(), config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
