package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// Producer публикует алерты в Kafka; ключ сообщения = id потока,
// поэтому алерты одной камеры попадают в одну партицию по порядку
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer создаёт продюсер с настройками
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return newProducer(producer), nil
}

func newProducer(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

// Publish отправляет одно сообщение в Kafka. SyncProducer не принимает
// контекст, поэтому отмена проверяется только до отправки
func (p *Producer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	return nil
}
