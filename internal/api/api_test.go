package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/capture"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/runner"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	running map[string]bool
	started []string
	openErr error
}

func (f *fakeSupervisor) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return fmt.Errorf("open %s: %w", id, f.openErr)
	}
	if f.running[id] {
		return runner.ErrAlreadyRunning
	}
	f.running[id] = true
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.running[id]
	delete(f.running, id)
	return ok
}

func (f *fakeSupervisor) Status() []models.StreamStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.StreamStatus
	for id := range f.running {
		out = append(out, models.StreamStatus{StreamID: id, State: models.StateRunning})
	}
	return out
}

type fakePreview struct {
	streams []string
}

func (p *fakePreview) ServeMJPEG(w http.ResponseWriter, _ *http.Request, stream string) {
	p.streams = append(p.streams, stream)
	w.WriteHeader(http.StatusOK)
}

func setup() (*fakeSupervisor, *fakePreview, http.Handler) {
	sup := &fakeSupervisor{running: map[string]bool{}}
	pv := &fakePreview{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alert_runner_active_streams 0\n"))
	})
	return sup, pv, NewRouter(NewHandlers(sup, pv, metrics, zap.NewNop()))
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStartAndStop(t *testing.T) {
	sup, _, h := setup()
	stream := "rtsp://10.0.0.5:554/stream1"
	path := "/camera/" + url.PathEscape(stream)

	rec := do(h, http.MethodGet, path)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp streamResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, stream, resp.Stream)
	assert.Equal(t, []string{stream}, sup.started)

	assert.Equal(t, http.StatusConflict, do(h, http.MethodGet, path).Code)
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodDelete, path).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodDelete, path).Code)
}

func TestStartUnescapedPath(t *testing.T) {
	sup, _, h := setup()

	rec := do(h, http.MethodGet, "/camera/s3://frames/site-a")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"s3://frames/site-a"}, sup.started)
}

func TestStartErrors(t *testing.T) {
	sup, _, h := setup()

	sup.openErr = capture.ErrUnsupportedSource
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/camera/ftp%3A%2F%2Fx").Code)

	sup.openErr = fmt.Errorf("dial: connection refused")
	assert.Equal(t, http.StatusBadGateway, do(h, http.MethodGet, "/camera/cam1").Code)

	sup.openErr = runner.ErrShuttingDown
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/camera/cam1").Code)
}

func TestStatusRouteIsNotAStream(t *testing.T) {
	sup, _, h := setup()
	sup.running["cam1"] = true

	rec := do(h, http.MethodGet, "/camera/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sup.started)

	var statuses []models.StreamStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "cam1", statuses[0].StreamID)
}

func TestIndexAndPreview(t *testing.T) {
	sup, pv, h := setup()
	sup.running["rtsp://cam/1"] = true

	rec := do(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"preview":"/preview/rtsp:%2F%2Fcam%2F1"`)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/preview/rtsp:%2F%2Fcam%2F1").Code)
	assert.Equal(t, []string{"rtsp://cam/1"}, pv.streams)
}

func TestMetricsRoute(t *testing.T) {
	_, _, h := setup()

	rec := do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "alert_runner_active_streams"))
}
