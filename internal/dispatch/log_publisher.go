package dispatch

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes payloads to the log instead of a broker. Used with
// bus.driver=log for local runs.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.log.Info("alert",
		zap.String("topic", topic),
		zap.String("stream", key),
		zap.ByteString("payload", payload),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
