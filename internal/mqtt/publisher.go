package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt not connected")

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Publisher отправляет алерты в MQTT брокер
type Publisher struct {
	client    paho.Client
	qos       byte
	log       *zap.Logger
	connected atomic.Bool
}

// NewPublisher подключается к брокеру и включает автопереподключение
func NewPublisher(ctx context.Context, cfg Config, log *zap.Logger) (*Publisher, error) {
	p := &Publisher{qos: cfg.QoS, log: log}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "safety-alert-runner-" + uuid.NewString()[:8]
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(paho.Client) {
		p.connected.Store(true)
		log.Info("mqtt connection established", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		p.connected.Store(false)
		log.Warn("mqtt connection lost, will auto-reconnect", zap.String("broker", cfg.Broker), zap.Error(err))
	}

	p.client = paho.NewClient(opts)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	p.connected.Store(true)

	return p, nil
}

// Publish отправляет payload; key не используется, в MQTT нет партиций
func (p *Publisher) Publish(ctx context.Context, topic, _ string, payload []byte) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.log.Debug("alert published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// Close disconnects with a 250ms grace period
func (p *Publisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.connected.Store(false)
	return nil
}
