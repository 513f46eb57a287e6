package runner

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/aggregator"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/capture"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/cooldown"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/render"
)

// session is one running stream. The loop goroutine owns src, ledger,
// overlay and lastSample; everything under mu is read by Status.
type session struct {
	id        string
	streamID  string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	src    capture.Source
	ledger *cooldown.Ledger

	frames    atomic.Uint64
	processed atomic.Uint64

	overlay    render.Overlay
	lastSample time.Time

	mu       sync.Mutex
	state    models.StreamState
	persons  int
	warnings []string
}

func (s *session) getState() models.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(next models.StreamState, log *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == next {
		return
	}
	if !models.IsValidStateTransition(s.state, next) {
		log.Debug("ignored state transition",
			zap.String("from", string(s.state)),
			zap.String("to", string(next)),
		)
		return
	}
	s.state = next
}

func (s *session) setSnapshot(persons int, warnings []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons = persons
	s.warnings = warnings
}

func (s *session) status() models.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.StreamStatus{
		StreamID:            s.streamID,
		SessionID:           s.id,
		State:               s.state,
		FrameCount:          s.frames.Load(),
		ProcessedFrameCount: s.processed.Load(),
		PersonCount:         s.persons,
		ActiveWarnings:      append([]string{}, s.warnings...),
		StartedAt:           s.startedAt,
	}
}

// run is the acquisition loop of one session. It returns on cancellation,
// end of stream or a read error.
func (r *Runner) run(s *session, log *zap.Logger) {
	defer r.teardown(s, log)

	for {
		if s.ctx.Err() != nil {
			s.setState(models.StateStopped, log)
			return
		}

		frame, err := s.src.Next(s.ctx)
		switch {
		case err == nil:
		case s.ctx.Err() != nil:
			s.setState(models.StateStopped, log)
			return
		case errors.Is(err, io.EOF):
			log.Info("end of stream", zap.Uint64("frames", s.frames.Load()))
			s.setState(models.StateStopped, log)
			r.persist(context.Background(), s.streamID, models.CommandStop, "eof")
			return
		default:
			log.Error("frame read failed", zap.Error(err))
			s.setState(models.StateFailed, log)
			return
		}

		n := s.frames.Add(1)
		r.deps.Metrics.FramesRead.WithLabelValues(s.streamID).Inc()

		img := render.Resize(frame.Image, r.opts.Width, r.opts.Height)
		now := r.clock()

		if r.sample(s, n, now) {
			r.processFrame(s, img, log)
			continue
		}

		// Между выборками кадр только для превью, с прошлым оверлеем
		if r.deps.Preview.Watching(s.streamID) {
			r.deps.Preview.Publish(s.streamID, r.deps.Renderer.Render(img, s.overlay))
		}
	}
}

// sample decides whether frame n goes to the detector. Both rules must agree
// when both are configured; with neither every frame is sampled.
func (r *Runner) sample(s *session, n uint64, now time.Time) bool {
	if every := r.opts.EveryNFrames; every > 1 && (n-1)%uint64(every) != 0 {
		return false
	}
	if r.opts.MinInterval > 0 && !s.lastSample.IsZero() && now.Sub(s.lastSample) < r.opts.MinInterval {
		return false
	}
	s.lastSample = now
	return true
}

func (r *Runner) processFrame(s *session, img image.Image, log *zap.Logger) {
	// Начатый запрос к детектору доводим до конца даже при остановке
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), r.opts.DetectTimeout)
	dets, err := r.deps.Detector.Infer(ctx, img, r.deps.Classifier.Floor())
	cancel()
	if err != nil {
		r.deps.Metrics.DetectorErrors.WithLabelValues(s.streamID).Inc()
		log.Warn("detection failed, frame skipped", zap.Error(err))
		return
	}

	s.processed.Add(1)
	r.deps.Metrics.FramesProcessed.WithLabelValues(s.streamID).Inc()

	now := r.clock()
	summary := r.deps.Classifier.Summarize(dets)
	res := aggregator.Evaluate(s.ledger, s.streamID, summary, r.deps.Classifier.Solo(), now)

	for _, o := range res.Outcomes {
		if o.Fired {
			r.deps.Metrics.AlertsFired.WithLabelValues(o.Category.Name).Inc()
		} else {
			r.deps.Metrics.AlertsSuppressed.WithLabelValues(o.Category.Name).Inc()
		}
	}

	s.overlay = render.Overlay{
		Detections: summary.Labeled,
		Persons:    res.Persons,
		Warning:    res.Display,
	}
	annotated := r.deps.Renderer.Render(img, s.overlay)

	for _, ev := range res.Events {
		ev.Frame = annotated
		payload, err := r.deps.Sink.Dispatch(ev)
		if err != nil {
			continue
		}
		log.Info("alert fired",
			zap.String("category", ev.Category.Name),
			zap.String("screenshot", payload.Screenshot),
		)
	}

	s.ledger.Sweep(s.streamID, now)
	s.setSnapshot(res.Persons, s.ledger.Active(s.streamID))

	r.deps.Preview.Publish(s.streamID, annotated)
}

func (r *Runner) teardown(s *session, log *zap.Logger) {
	if err := s.src.Close(); err != nil {
		log.Warn("failed to close source", zap.Error(err))
	}
	s.ledger.Release(s.streamID)
	s.cancel()

	r.deps.Preview.End(s.streamID)
	if r.deps.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := r.deps.Cache.Delete(ctx, s.streamID); err != nil {
			log.Warn("failed to drop cached status", zap.Error(err))
		}
		cancel()
	}

	r.unregister(s)
	r.deps.Metrics.StreamStopped()
	close(s.done)

	log.Info("stream finished",
		zap.String("state", string(s.getState())),
		zap.Uint64("frames", s.frames.Load()),
		zap.Uint64("processed", s.processed.Load()),
	)
}
