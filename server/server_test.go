package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushteam/reqrec/metrics"
)

type fakeEngine struct{}

func (fakeEngine) GetCandidates(_ context.Context, userID string) []int64 {
	if userID == "u1" {
		return []int64{3, 1, 2}
	}
	return nil
}

func (fakeEngine) GetViewCount(_ context.Context, itemID int64) int64 { return itemID * 10 }

func newTestRouter(checks map[string]Check) (http.Handler, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Degrade("semantic")
	return NewRouter(Options{Engine: fakeEngine{}, Gatherer: reg, Checks: checks, Debug: true}, zerolog.Nop()), reg
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(map[string]Check{
		"redis": func(context.Context) error { return nil },
	})
	rec := do(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"redis":"ok"}}`, rec.Body.String())

	h, _ = newTestRouter(map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = do(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(nil)
	rec := do(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reqrec_degraded_total{path="semantic"} 1`)
}

func TestDebugRoutes(t *testing.T) {
	h, _ := newTestRouter(nil)

	rec := do(t, h, "/debug/candidates/u1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u1","count":3,"items":[3,1,2]}`, rec.Body.String())

	rec = do(t, h, "/debug/candidates/nobody")
	assert.JSONEq(t, `{"user_id":"nobody","count":0,"items":[]}`, rec.Body.String())

	rec = do(t, h, "/debug/views/7")
	assert.JSONEq(t, `{"item_id":7,"view_count":70}`, rec.Body.String())

	rec = do(t, h, "/debug/views/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugRoutesDisabled(t *testing.T) {
	h := NewRouter(Options{Engine: fakeEngine{}}, zerolog.Nop())
	assert.Equal(t, http.StatusNotFound, do(t, h, "/debug/views/7").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "/metrics").Code)
}

type fakeHTTPServer struct {
	mu       sync.Mutex
	stop     chan struct{}
	shutdown bool
	failWith error
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.failWith != nil {
		return f.failWith
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	close(f.stop)
	return nil
}

func TestServiceGracefulShutdown(t *testing.T) {
	srv := &fakeHTTPServer{stop: make(chan struct{})}
	svc := NewService(srv, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, srv.shutdown)
	assert.Equal(t, "ops-http", svc.String())
}

func TestServiceListenFailure(t *testing.T) {
	svc := NewService(&fakeHTTPServer{failWith: errors.New("address in use")}, time.Second)
	err := svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
}
