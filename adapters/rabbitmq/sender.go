package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

// confirmChannel publishes on a confirm-mode channel, one publish at a time,
// and reopens the channel after the server closes it.
type confirmChannel struct {
	open    func() (*amqp.Channel, error)
	timeout time.Duration

	mu sync.Mutex
	ch *amqp.Channel
}

func (c *confirmChannel) ensure() (*amqp.Channel, error) {
	if c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}
	ch, err := c.open()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to enable publisher confirms", err)
	}
	c.ch = ch
	return ch, nil
}

func (c *confirmChannel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensure()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to publish message", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "timeout waiting for confirmation", err)
	}
	if !acked {
		return topicbus.NewError(topicbus.ErrCodeTransport,
			fmt.Sprintf("message %s was nacked by the broker", msg.MessageId))
	}
	return nil
}

func (c *confirmChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil && !c.ch.IsClosed() {
		_ = c.ch.Close()
	}
	c.ch = nil
}

type sender struct {
	b     *Broker
	topic string
	out   *confirmChannel

	// seq numbers scheduled sends. RabbitMQ has no broker-side sequence numbers.
	seq atomic.Int64
}

func (s *sender) Send(ctx context.Context, msg *model.Message) error {
	return s.out.publish(ctx, s.topic, "", toPublishing(msg, time.Now().UTC()))
}

// Schedule parks msg in a delay queue that dead-letters into the topic
// exchange once the delay elapses. Times in the past are sent immediately.
func (s *sender) Schedule(ctx context.Context, msg *model.Message, at time.Time) (int64, error) {
	now := time.Now().UTC()
	delay := delayFor(at, now)
	if delay == 0 {
		if err := s.Send(ctx, msg); err != nil {
			return 0, err
		}
		return s.seq.Add(1), nil
	}

	queue, err := s.b.delayQueue(s.topic, delay)
	if err != nil {
		return 0, err
	}
	if err := s.out.publish(ctx, "", queue, toPublishing(msg, now)); err != nil {
		return 0, err
	}
	return s.seq.Add(1), nil
}

func (s *sender) CancelScheduled(_ context.Context, _ int64) error {
	return topicbus.ErrNotSupported
}

func (s *sender) Close(_ context.Context) error {
	s.out.close()
	return nil
}
