package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/capture"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/classifier"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/cooldown"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/metrics"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
	"github.com/Capitan-Parrot/safety-alert-runner/internal/render"
)

var (
	ErrAlreadyRunning = errors.New("stream already running")
	ErrShuttingDown   = errors.New("runner is shutting down")
)

const (
	defaultDetectTimeout = 5 * time.Second
	storeTimeout         = 3 * time.Second
)

// Opener открывает источник кадров по идентификатору потока
type Opener interface {
	Open(ctx context.Context, streamID string) (capture.Source, error)
}

type Detector interface {
	Infer(ctx context.Context, img image.Image, floor float64) ([]models.Detection, error)
}

type Dispatcher interface {
	Dispatch(ev models.AlertEvent) (models.AlertPayload, error)
}

type Preview interface {
	Watching(stream string) bool
	Publish(stream string, img image.Image)
	End(stream string)
}

// Store хранит желаемое состояние потоков между перезапусками
type Store interface {
	SetStreamAction(ctx context.Context, streamID string, action models.CommandAction, reason string) error
	ListStreamsByAction(ctx context.Context, action models.CommandAction) ([]models.Stream, error)
	TouchStreams(ctx context.Context, streamIDs []string) error
}

type StatusCache interface {
	Delete(ctx context.Context, streamID string) error
}

// Deps are the collaborators shared by every stream session. Store and Cache
// are optional.
type Deps struct {
	Sources    Opener
	Detector   Detector
	Classifier *classifier.Classifier
	Renderer   *render.Renderer
	Sink       Dispatcher
	Preview    Preview
	Store      Store
	Cache      StatusCache
	Metrics    *metrics.Metrics
}

type Options struct {
	// EveryNFrames samples every N-th frame; 0 disables the frame rule.
	EveryNFrames  int
	// MinInterval is the minimum time between sampled frames; 0 disables it.
	MinInterval   time.Duration
	Width         int
	Height        int
	DetectTimeout time.Duration
}

type Runner struct {
	deps Deps
	opts Options
	log  *zap.Logger

	// clock is replaced in tests
	clock func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	activeRunners map[string]*session
	closed        bool
	mu            sync.Mutex
	wg            sync.WaitGroup
}

func New(deps Deps, opts Options, log *zap.Logger) *Runner {
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = defaultDetectTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		deps:          deps,
		opts:          opts,
		log:           log,
		clock:         time.Now,
		ctx:           ctx,
		cancel:        cancel,
		activeRunners: make(map[string]*session),
	}
}

// Start opens the stream source and launches its session. It fails fast when
// the source cannot be opened and returns ErrAlreadyRunning when a session for
// the stream is starting or running. A session that is still stopping is
// waited for first.
func (r *Runner) Start(ctx context.Context, streamID string) error {
	return r.start(ctx, streamID, "request", true)
}

func (r *Runner) start(ctx context.Context, streamID, reason string, persist bool) error {
	s, err := r.register(ctx, streamID)
	if err != nil {
		return err
	}
	log := r.log.With(zap.String("stream", streamID), zap.String("session", s.id))

	src, err := r.deps.Sources.Open(s.ctx, streamID)
	if err == nil && s.ctx.Err() != nil {
		_ = src.Close()
		err = fmt.Errorf("stopped while opening: %w", s.ctx.Err())
	}
	if err != nil {
		s.setState(models.StateFailed, log)
		r.unregister(s)
		close(s.done)
		r.wg.Done()
		log.Warn("failed to open stream", zap.Error(err))
		return fmt.Errorf("open %s: %w", streamID, err)
	}
	s.src = src

	if persist {
		r.persist(ctx, streamID, models.CommandStart, reason)
	}

	s.setState(models.StateRunning, log)
	r.deps.Metrics.StreamStarted()
	log.Info("stream started")

	go func() {
		defer r.wg.Done()
		r.run(s, log)
	}()

	return nil
}

// register reserves the registry slot for streamID. The caller owns one
// wait group slot on success.
func (r *Runner) register(ctx context.Context, streamID string) (*session, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrShuttingDown
		}

		existing, ok := r.activeRunners[streamID]
		if !ok {
			s := newSession(r.ctx, streamID, r.clock())
			r.activeRunners[streamID] = s
			r.wg.Add(1)
			r.mu.Unlock()
			return s, nil
		}

		if st := existing.getState(); st == models.StateStarting || st == models.StateRunning {
			r.mu.Unlock()
			return nil, ErrAlreadyRunning
		}
		r.mu.Unlock()

		// Предыдущая сессия ещё останавливается
		select {
		case <-existing.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// unregister removes s only if it still owns the slot.
func (r *Runner) unregister(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.activeRunners[s.streamID]; ok && cur == s {
		delete(r.activeRunners, s.streamID)
	}
}

// Stop cancels the stream session without waiting for it to finish and
// records that the stream is no longer wanted. It reports whether a session
// was active.
func (r *Runner) Stop(ctx context.Context, streamID string) bool {
	r.persist(ctx, streamID, models.CommandStop, "request")

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.activeRunners[streamID]
	if !ok {
		return false
	}

	s.setState(models.StateStopping, r.log)
	s.cancel()
	r.log.Info("stream stop requested", zap.String("stream", streamID))
	return true
}

// StopAll cancels every session and waits for them to exit or for ctx to
// expire. Desired state is left untouched so the streams resume on the next boot.
func (r *Runner) StopAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.activeRunners {
		s.setState(models.StateStopping, r.log)
	}
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("all streams stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop all streams: %w", ctx.Err())
	}
}

// Status returns snapshots of every registered session ordered by stream id.
func (r *Runner) Status() []models.StreamStatus {
	r.mu.Lock()
	sessions := lo.Values(r.activeRunners)
	r.mu.Unlock()

	statuses := lo.Map(sessions, func(s *session, _ int) models.StreamStatus {
		return s.status()
	})
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StreamID < statuses[j].StreamID
	})
	return statuses
}

// Running lists stream ids with a live session.
func (r *Runner) Running() []string {
	return lo.FilterMap(r.Status(), func(st models.StreamStatus, _ int) (string, bool) {
		return st.StreamID, st.State == models.StateRunning
	})
}

// HandleCommand applies one start/stop command from the command topic. An
// error leaves the message unacknowledged.
func (r *Runner) HandleCommand(ctx context.Context, value []byte) error {
	var cmd models.StreamCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		return fmt.Errorf("invalid command format: %w", err)
	}
	if cmd.StreamID == "" {
		return errors.New("command without stream_id")
	}
	r.log.Info("received stream command", zap.String("stream", cmd.StreamID), zap.String("action", string(cmd.Action)))

	switch cmd.Action {
	case models.CommandStart:
		err := r.start(ctx, cmd.StreamID, "command", true)
		if errors.Is(err, ErrAlreadyRunning) {
			return nil
		}
		return err
	case models.CommandStop:
		r.Stop(ctx, cmd.StreamID)
		return nil
	default:
		return fmt.Errorf("unknown command action %q", cmd.Action)
	}
}

// Resume starts every stream whose desired state is "start".
func (r *Runner) Resume(ctx context.Context) error {
	if r.deps.Store == nil {
		return nil
	}

	streams, err := r.deps.Store.ListStreamsByAction(ctx, models.CommandStart)
	if err != nil {
		return fmt.Errorf("list desired streams: %w", err)
	}

	for _, st := range streams {
		if err := r.start(ctx, st.ID, "resume", false); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			r.log.Warn("failed to resume stream", zap.String("stream", st.ID), zap.Error(err))
		}
	}
	return nil
}

// Watchdog periodically restarts streams that are wanted but not running and
// refreshes the heartbeat of running ones.
func (r *Runner) Watchdog(ctx context.Context, interval time.Duration) {
	if r.deps.Store == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("watchdog started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("watchdog stopped")
			return
		case <-ticker.C:
			r.checkStreams(ctx)
		}
	}
}

func (r *Runner) checkStreams(ctx context.Context) {
	running := r.Running()
	if err := r.deps.Store.TouchStreams(ctx, running); err != nil {
		r.log.Warn("failed to touch streams", zap.Error(err))
	}

	wanted, err := r.deps.Store.ListStreamsByAction(ctx, models.CommandStart)
	if err != nil {
		r.log.Warn("failed to list desired streams", zap.Error(err))
		return
	}

	for _, st := range wanted {
		if lo.Contains(running, st.ID) {
			continue
		}
		err := r.start(ctx, st.ID, "watchdog", false)
		switch {
		case err == nil:
			r.log.Info("watchdog restarted stream", zap.String("stream", st.ID))
		case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrShuttingDown):
		default:
			r.log.Warn("watchdog failed to restart stream", zap.String("stream", st.ID), zap.Error(err))
		}
	}
}

// persist records the desired state. Failures are logged: the session itself
// is not affected by an unavailable database.
func (r *Runner) persist(ctx context.Context, streamID string, action models.CommandAction, reason string) {
	if r.deps.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	if err := r.deps.Store.SetStreamAction(ctx, streamID, action, reason); err != nil {
		r.log.Warn("failed to persist stream action",
			zap.String("stream", streamID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

func newSession(parent context.Context, streamID string, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:        uuid.NewString(),
		streamID:  streamID,
		startedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ledger:    cooldown.New(),
		state:     models.StateStarting,
	}
}
