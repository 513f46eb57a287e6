package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// Supervisor управляет сессиями потоков
type Supervisor interface {
	Start(ctx context.Context, streamID string) error
	Stop(ctx context.Context, streamID string) bool
	Status() []models.StreamStatus
}

type Preview interface {
	ServeMJPEG(w http.ResponseWriter, r *http.Request, stream string)
}

type Handlers struct {
	runner  Supervisor
	preview Preview
	metrics http.Handler
	log     *zap.Logger
}

func NewHandlers(runner Supervisor, preview Preview, metrics http.Handler, log *zap.Logger) *Handlers {
	return &Handlers{runner: runner, preview: preview, metrics: metrics, log: log}
}

// NewRouter registers every route. Stream ids are URIs, so the path is kept
// encoded and never cleaned; handlers unescape the {stream} variable.
func NewRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()
	r.Use(h.logRequests)

	r.HandleFunc("/", h.IndexHandler).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	r.HandleFunc("/camera/status", h.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/camera/{stream:.+}", h.StartHandler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/camera/{stream:.+}", h.StopHandler).Methods(http.MethodDelete)
	r.HandleFunc("/preview/{stream:.+}", h.PreviewHandler).Methods(http.MethodGet)

	return r
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.EscapedPath()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("error writing response", zap.Error(err))
	}
}
