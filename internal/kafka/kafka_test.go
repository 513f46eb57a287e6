package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProducer_Publish(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "cam1" {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Topic != "alerts" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newProducer(mock)

	require.NoError(t, p.Publish(context.Background(), "alerts", "cam1", []byte(`{}`)))
	err := p.Publish(context.Background(), "alerts", "cam1", []byte(`{}`))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, p.Close())
}

func TestProducer_PublishCancelled(t *testing.T) {
	p := newProducer(mocks.NewSyncProducer(t, nil))
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "alerts", "cam1", nil), context.Canceled)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestGroupHandler_MarksOnlyHandledMessages(t *testing.T) {
	var seen []string
	h := &groupHandler{
		log: zap.NewNop(),
		handle: func(_ context.Context, value []byte) error {
			seen = append(seen, string(value))
			if string(value) == "bad" {
				return errors.New("invalid command")
			}
			return nil
		},
	}

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	claim.ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("ok")}
	claim.ch <- &sarama.ConsumerMessage{Offset: 2, Value: []byte("bad")}
	claim.ch <- &sarama.ConsumerMessage{Offset: 3, Value: []byte("ok2")}
	close(claim.ch)

	sess := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(sess, claim))

	assert.Equal(t, []string{"ok", "bad", "ok2"}, seen)
	assert.Equal(t, []int64{1, 3}, sess.marked)
}

func TestGroupHandler_StopsOnSessionEnd(t *testing.T) {
	h := &groupHandler{log: zap.NewNop(), handle: func(context.Context, []byte) error { return nil }}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}
	require.NoError(t, h.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}
