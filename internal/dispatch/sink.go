// Package dispatch turns fired alerts into a screenshot on disk and a payload
// on the message bus.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/metrics"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

var (
	ErrQueueFull = errors.New("dispatch: publish queue full")
	ErrClosed    = errors.New("dispatch: sink closed")
)

// Publisher is the message-bus client. key is the stream id; transports
// without partitioning ignore it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Mirror copies screenshots to object storage.
type Mirror interface {
	PutScreenshot(ctx context.Context, name string, data []byte) error
}

type Options struct {
	Dir            string
	Topic          string
	JPEGQuality    int
	Workers        int
	QueueSize      int
	PublishTimeout time.Duration
}

type job struct {
	stream  string
	payload []byte
	name    string
	shot    []byte
}

// Sink writes screenshots synchronously and publishes asynchronously. Alerts
// of one stream always land on the same worker, so their order is kept.
type Sink struct {
	pub     Publisher
	mirror  Mirror
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queues []chan job
	wg     sync.WaitGroup
}

// New starts the publish workers. mirror may be nil.
func New(pub Publisher, mirror Mirror, opts Options, log *zap.Logger, m *metrics.Metrics) *Sink {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	s := &Sink{
		pub:     pub,
		mirror:  mirror,
		opts:    opts,
		log:     log,
		metrics: m,
		queues:  make([]chan job, opts.Workers),
	}

	for i := range s.queues {
		q := make(chan job, opts.QueueSize)
		s.queues[i] = q
		s.wg.Add(1)
		go s.worker(q)
	}

	return s
}

// Dispatch writes the screenshot and queues the payload. Any error means the
// alert is dropped for this occurrence; the caller logs and carries on.
func (s *Sink) Dispatch(ev models.AlertEvent) (models.AlertPayload, error) {
	payload := ev.Payload(s.opts.Dir)
	log := s.log.With(
		zap.String("stream", ev.StreamID),
		zap.String("category", ev.Category.Name),
		zap.String("screenshot", payload.Screenshot),
	)

	shot, err := s.writeScreenshot(ev, log)
	if err != nil {
		s.metrics.DispatchFailures.WithLabelValues(metrics.StageScreenshot).Inc()
		log.Error("screenshot write failed, alert dropped", zap.Error(err))
		return payload, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.metrics.DispatchFailures.WithLabelValues(metrics.StageEncode).Inc()
		log.Error("encode payload failed", zap.Error(err))
		return payload, fmt.Errorf("encode payload: %w", err)
	}

	if err := s.enqueue(job{stream: ev.StreamID, payload: data, name: ev.ScreenshotName(), shot: shot}); err != nil {
		s.metrics.DispatchFailures.WithLabelValues(metrics.StageQueue).Inc()
		log.Warn("alert not queued", zap.Error(err))
		return payload, err
	}

	return payload, nil
}

func (s *Sink) writeScreenshot(ev models.AlertEvent, log *zap.Logger) ([]byte, error) {
	if ev.Frame == nil {
		return nil, errors.New("no frame to capture")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, ev.Frame, &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	path := filepath.Join(s.opts.Dir, ev.ScreenshotName())
	// Имя без потока: другой поток мог записать тот же тег в ту же секунду
	if _, err := os.Stat(path); err == nil {
		log.Warn("screenshot already exists, overwriting earlier evidence")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return buf.Bytes(), nil
}

func (s *Sink) enqueue(j job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	select {
	case s.queues[shard(j.stream, len(s.queues))] <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Sink) worker(q <-chan job) {
	defer s.wg.Done()

	for j := range q {
		s.publish(j)
		s.mirrorShot(j)
	}
}

func (s *Sink) publish(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
	defer cancel()

	if err := s.pub.Publish(ctx, s.opts.Topic, j.stream, j.payload); err != nil {
		s.metrics.DispatchFailures.WithLabelValues(metrics.StagePublish).Inc()
		s.log.Warn("publish failed, alert dropped",
			zap.String("stream", j.stream),
			zap.String("topic", s.opts.Topic),
			zap.Error(err),
		)
		return
	}
	s.metrics.AlertsPublished.Inc()
}

func (s *Sink) mirrorShot(j job) {
	if s.mirror == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
	defer cancel()

	if err := s.mirror.PutScreenshot(ctx, j.name, j.shot); err != nil {
		s.metrics.DispatchFailures.WithLabelValues(metrics.StageMirror).Inc()
		s.log.Warn("screenshot mirror failed", zap.String("screenshot", j.name), zap.Error(err))
	}
}

// Close stops accepting alerts and waits until queued ones are handled.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func shard(stream string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(stream))
	return int(h.Sum32() % uint32(n))
}
