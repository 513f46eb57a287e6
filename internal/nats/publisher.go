package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamHeader carries the stream id next to the payload.
const StreamHeader = "Alert-Stream"

// Publisher publishes alerts on a NATS subject.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewPublisher connects to url with unlimited reconnects.
func NewPublisher(url, name string, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Publisher{nc: nc, log: log}, nil
}

// Publish sends payload to subject topic and waits for the server round trip.
func (p *Publisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(StreamHeader, key)

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush alert: %w", err)
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.nc.Drain()
}
