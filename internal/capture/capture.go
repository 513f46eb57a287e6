// Package capture opens frame sources for stream ids.
//
// A stream id is a URI: dir:///path or a plain path replays a folder of
// images, s3://bucket/prefix replays a MinIO folder, and rtsp://, http(s)://
// or a bare device index are read with OpenCV when built with -tags gocv.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

var ErrUnsupportedSource = errors.New("capture: unsupported stream source")

// Source yields frames of one stream. Next returns io.EOF at end of stream.
// A Source is used by one goroutine at a time.
type Source interface {
	Next(ctx context.Context) (models.Frame, error)
	Close() error
}

// OpenFunc opens a source for a parsed stream URI.
type OpenFunc func(ctx context.Context, u *url.URL) (Source, error)

type Options struct {
	// ReplayFPS throttles file based sources; 0 replays as fast as possible.
	ReplayFPS float64
}

// Registry maps URI schemes to openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]OpenFunc
}

func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]OpenFunc)}
}

// Register binds scheme to fn, replacing any earlier binding.
func (r *Registry) Register(scheme string, fn OpenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[scheme] = fn
}

// Open resolves the stream id and opens its source.
func (r *Registry) Open(ctx context.Context, streamID string) (Source, error) {
	u, scheme, err := parseStreamID(streamID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	fn, ok := r.openers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, streamID)
	}

	return fn(ctx, u)
}

// parseStreamID returns the URI and the scheme used for lookup. Paths map to
// "dir", bare integers to "device".
func parseStreamID(streamID string) (*url.URL, string, error) {
	if streamID == "" {
		return nil, "", fmt.Errorf("%w: empty stream id", ErrUnsupportedSource)
	}
	if _, err := strconv.Atoi(streamID); err == nil {
		return &url.URL{Scheme: "device", Opaque: streamID}, "device", nil
	}

	u, err := url.Parse(streamID)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// относительный или windows путь
		return &url.URL{Scheme: "dir", Path: streamID}, "dir", nil
	}

	return u, u.Scheme, nil
}

// NewDefaultRegistry registers the dir source, the s3 source when store is
// not nil, and the OpenCV sources when compiled in.
func NewDefaultRegistry(opts Options, store FrameStore) *Registry {
	r := NewRegistry()
	r.Register("dir", func(_ context.Context, u *url.URL) (Source, error) {
		return OpenDir(dirPath(u), opts.ReplayFPS)
	})
	r.Register("file", func(_ context.Context, u *url.URL) (Source, error) {
		return OpenDir(dirPath(u), opts.ReplayFPS)
	})
	if store != nil {
		r.Register("s3", func(ctx context.Context, u *url.URL) (Source, error) {
			return OpenS3(ctx, store, u.Host, trimSlash(u.Path), opts.ReplayFPS)
		})
	}
	registerPlatform(r)
	return r
}

func dirPath(u *url.URL) string {
	if u.Host != "" {
		// dir://relative/path
		return u.Host + u.Path
	}
	return u.Path
}

func trimSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// pacer throttles replayed frames to a fixed rate.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps float64) pacer {
	if fps <= 0 {
		return pacer{}
	}
	return pacer{interval: time.Duration(float64(time.Second) / fps)}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.interval == 0 {
		return ctx.Err()
	}
	now := time.Now()
	if p.next.IsZero() || now.After(p.next) {
		p.next = now.Add(p.interval)
		return ctx.Err()
	}

	t := time.NewTimer(p.next.Sub(now))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		p.next = p.next.Add(p.interval)
		return nil
	}
}
