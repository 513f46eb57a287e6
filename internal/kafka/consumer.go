package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const retryDelay = 5 * time.Second

// Handler обрабатывает одно сообщение. Сообщение подтверждается только
// если Handler вернул nil
type Handler func(ctx context.Context, value []byte) error

// Consumer оборачивает Sarama ConsumerGroup
type Consumer struct {
	group sarama.ConsumerGroup
	topic string
	log   *zap.Logger
}

// NewConsumer создаёт и возвращает новый Consumer
func NewConsumer(brokers []string, groupID, topic string, log *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		group: group,
		topic: topic,
		log:   log,
	}, nil
}

// Run потребляет сообщения до отмены ctx, переподключаясь после ошибок
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	handler := &groupHandler{handle: handle, log: c.log}

	for {
		c.log.Debug("consumer: starting consumption cycle", zap.String("topic", c.topic))
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			c.log.Warn("consume error, retrying", zap.Error(err), zap.Duration("delay", retryDelay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close останавливает потребитель и освобождает ресурсы
func (c *Consumer) Close() error {
	return c.group.Close()
}

// groupHandler реализует интерфейс sarama.ConsumerGroupHandler
type groupHandler struct {
	handle Handler
	log    *zap.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(sess.Context(), msg.Value); err != nil {
				// Не подтверждаем сообщение при ошибке обработки
				h.log.Warn("command not handled",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				continue
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
