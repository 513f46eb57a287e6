// Package preview fans annotated frames out to MJPEG viewers.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/metrics"
)

const (
	boundary      = "frame"
	keepAliveEach = 5 * time.Second
)

type subscriber struct {
	ch     chan []byte
	closed bool
}

// Hub keeps, per stream, the set of viewers. Each viewer holds only the
// latest frame: a slow client skips frames instead of stalling the stream.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[*subscriber]struct{}
	quality int
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(quality int, m *metrics.Metrics, log *zap.Logger) *Hub {
	if quality <= 0 {
		quality = 70
	}
	return &Hub{
		streams: make(map[string]map[*subscriber]struct{}),
		quality: quality,
		metrics: m,
		log:     log,
	}
}

// Watching reports whether anyone views the stream. The stream loop uses it
// to skip rendering and encoding.
func (h *Hub) Watching(stream string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[stream]) > 0
}

// Publish encodes img once and offers it to every viewer of the stream.
func (h *Hub) Publish(stream string, img image.Image) {
	if !h.Watching(stream) {
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: h.quality}); err != nil {
		h.log.Warn("preview encode failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	data := buf.Bytes()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.streams[stream] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- data:
			h.metrics.PreviewSent.Add(1)
			continue
		default:
		}
		// выкидываем старый кадр и кладём новый
		select {
		case <-sub.ch:
			h.metrics.PreviewDropped.Add(1)
		default:
		}
		select {
		case sub.ch <- data:
			h.metrics.PreviewSent.Add(1)
		default:
			h.metrics.PreviewDropped.Add(1)
		}
	}
}

// Subscribe registers a viewer. The channel is closed by End; cancel must
// be called when the viewer leaves.
func (h *Hub) Subscribe(stream string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, 1)}

	h.mu.Lock()
	subs, ok := h.streams[stream]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.streams[stream] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.remove(stream, sub)
	}
	return sub.ch, cancel
}

// End disconnects every viewer of a finished stream.
func (h *Hub) End(stream string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.streams[stream] {
		h.remove(stream, sub)
	}
}

func (h *Hub) remove(stream string, sub *subscriber) {
	subs := h.streams[stream]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.streams, stream)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// ServeMJPEG streams multipart/x-mixed-replace until the client leaves or
// the stream ends.
func (h *Hub) ServeMJPEG(w http.ResponseWriter, r *http.Request, stream string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	frames, cancel := h.Subscribe(stream)
	defer cancel()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var last []byte
	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			last = data
		case <-time.After(keepAliveEach):
			// нет кадров - повторяем последний, чтобы соединение не закрылось
			if last == nil {
				continue
			}
		}

		if err := writePart(w, last); err != nil {
			h.log.Debug("mjpeg client disconnected", zap.String("stream", stream), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
