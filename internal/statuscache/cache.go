// Package statuscache mirrors stream status snapshots into Redis for dashboards.
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/safety-alert-runner/internal/models"
)

// Cache пишет снимки статуса с TTL: ключ потока, который перестал
// обновляться, истекает сам
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (c *Cache) key(streamID string) string {
	return c.prefix + streamID
}

// Store writes all snapshots in one pipeline.
func (c *Cache) Store(ctx context.Context, statuses []models.StreamStatus) error {
	if len(statuses) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for _, st := range statuses {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal status %s: %w", st.StreamID, err)
		}
		pipe.Set(ctx, c.key(st.StreamID), data, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store statuses: %w", err)
	}
	return nil
}

// Load returns the cached snapshot, or nil when absent or expired.
func (c *Cache) Load(ctx context.Context, streamID string) (*models.StreamStatus, error) {
	data, err := c.rdb.Get(ctx, c.key(streamID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load status %s: %w", streamID, err)
	}

	var st models.StreamStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", streamID, err)
	}
	return &st, nil
}

// Delete drops the snapshot of a stopped stream.
func (c *Cache) Delete(ctx context.Context, streamID string) error {
	return c.rdb.Del(ctx, c.key(streamID)).Err()
}

// Run stores snapshot() every interval until ctx is done. A non-positive
// interval disables the refresh.
func (c *Cache) Run(ctx context.Context, interval time.Duration, snapshot func() []models.StreamStatus) {
	if interval <= 0 {
		c.log.Warn("status cache refresh disabled", zap.Duration("interval", interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Store(ctx, snapshot()); err != nil {
				c.log.Warn("status cache refresh failed", zap.Error(err))
			}
		}
	}
}
