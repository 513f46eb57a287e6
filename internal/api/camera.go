package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/capture"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/runner"
)

type streamResponse struct {
	Stream string             `json:"stream"`
	State  models.StreamState `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func streamVar(r *http.Request) (string, error) {
	return url.PathUnescape(mux.Vars(r)["stream"])
}

// IndexHandler отдаёт список потоков со ссылками на превью
func (h *Handlers) IndexHandler(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		models.StreamStatus
		Preview string `json:"preview"`
	}

	streams := lo.Map(h.runner.Status(), func(st models.StreamStatus, _ int) entry {
		return entry{StreamStatus: st, Preview: "/preview/" + url.PathEscape(st.StreamID)}
	})
	h.writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// StatusHandler возвращает снимки всех активных сессий
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runner.Status())
}

// StartHandler запускает обработку потока
func (h *Handlers) StartHandler(w http.ResponseWriter, r *http.Request) {
	streamID, err := streamVar(r)
	if err != nil || streamID == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid stream id"})
		return
	}

	err = h.runner.Start(r.Context(), streamID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, streamResponse{Stream: streamID, State: models.StateRunning})
	case errors.Is(err, runner.ErrAlreadyRunning):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, capture.ErrUnsupportedSource):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, runner.ErrShuttingDown):
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		h.log.Warn("failed to start stream", zap.String("stream", streamID), zap.Error(err))
		h.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

// StopHandler останавливает поток, не дожидаясь завершения сессии
func (h *Handlers) StopHandler(w http.ResponseWriter, r *http.Request) {
	streamID, err := streamVar(r)
	if err != nil || streamID == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid stream id"})
		return
	}

	if !h.runner.Stop(r.Context(), streamID) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "stream not running"})
		return
	}
	h.writeJSON(w, http.StatusAccepted, streamResponse{Stream: streamID, State: models.StateStopping})
}

func (h *Handlers) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	streamID, err := streamVar(r)
	if err != nil || streamID == "" {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	h.preview.ServeMJPEG(w, r, streamID)
}
