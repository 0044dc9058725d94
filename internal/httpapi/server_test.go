package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/queue"
)

type stubProbe struct {
	readyErr  error
	statusDoc any
	statusErr error
}

func (p *stubProbe) Ready(ctx context.Context) error         { return p.readyErr }
func (p *stubProbe) Status(ctx context.Context) (any, error) { return p.statusDoc, p.statusErr }

func newTestServer(t *testing.T, probe Probe) (*Server, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	return NewServer(":0", "gitfix-test", rdb, probe, log), mr
}

func doGET(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProbe{})

	rec := doGET(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "gitfix-test", body.Service)
	assert.NotEmpty(t, body.Version)
	assert.NotEmpty(t, body.Timestamp)
}

func TestReadyzOK(t *testing.T) {
	srv, _ := newTestServer(t, &stubProbe{})

	rec := doGET(t, srv, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Empty(t, body.Error)
}

func TestReadyzFailsWhenRedisDown(t *testing.T) {
	srv, mr := newTestServer(t, &stubProbe{})
	mr.SetError("LOADING redis is starting")

	rec := doGET(t, srv, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Contains(t, body.Error, "redis:")
}

func TestReadyzFailsWhenProbeNotReady(t *testing.T) {
	srv, _ := newTestServer(t, &stubProbe{readyErr: errors.New("worker pool not running")})

	rec := doGET(t, srv, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "worker pool not running")
}

func TestReadyzWithoutProbeChecksRedisOnly(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doGET(t, srv, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusServesProbeDocument(t *testing.T) {
	srv, _ := newTestServer(t, &stubProbe{statusDoc: map[string]any{"daemon_id": "d-1"}})

	rec := doGET(t, srv, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "d-1", body["daemon_id"])
}

func TestStatusProbeErrorIs500(t *testing.T) {
	srv, _ := newTestServer(t, &stubProbe{statusErr: errors.New("redis unavailable")})

	rec := doGET(t, srv, "/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsServed(t *testing.T) {
	srv, _ := newTestServer(t, &stubProbe{})

	rec := doGET(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWorkerProbeReportsPoolAndDepths(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	ctx := context.Background()
	q := queue.New("probe-test", rdb, log)

	release := make(chan struct{})
	handler := func(ctx context.Context, job *queue.Job) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	w := queue.NewWorker(q, handler, queue.WorkerConfig{
		Concurrency:  3,
		BlockTimeout: 50 * time.Millisecond,
	}, log)

	probe := &WorkerProbe{Worker: w, Queue: q}

	require.Error(t, probe.Ready(ctx), "pool has not started yet")

	_, err = q.Add(ctx, "issue", map[string]string{"k": "v"}, queue.AddOptions{JobID: "probe-job"})
	require.NoError(t, err)

	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, probe.Ready(ctx))

	require.Eventually(t, func() bool {
		return w.Stats().InFlight == 1
	}, 3*time.Second, 10*time.Millisecond)

	doc, err := probe.Status(ctx)
	require.NoError(t, err)

	status, ok := doc.(WorkerStatus)
	require.True(t, ok)
	assert.Equal(t, 3, status.Pool.Concurrency)
	assert.True(t, status.Pool.Running)
	assert.Equal(t, 1, status.Pool.InFlight)
	assert.Equal(t, int64(1), status.Queue.Active)

	close(release)
}
