package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

// publishFunc sends a message through a confirm channel.
type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

type delivery struct {
	raw      amqp.Delivery
	snapshot model.ReceivedMessage
	dlq      string
	autoAck  bool
	publish  publishFunc

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() model.ReceivedMessage {
	return d.snapshot
}

func (d *delivery) Complete(ctx context.Context) error {
	return d.settle(ctx, func(context.Context) error {
		return d.raw.Ack(false)
	})
}

// Abandon requeues the message. Quorum queues count the requeue towards
// x-delivery-limit.
func (d *delivery) Abandon(ctx context.Context) error {
	return d.settle(ctx, func(context.Context) error {
		return d.raw.Nack(false, true)
	})
}

// DeadLetter publishes a copy carrying reason and description to the
// dead-letter queue, then acknowledges the original. If the copy cannot be
// published the original stays unsettled.
func (d *delivery) DeadLetter(ctx context.Context, reason model.DeadLetterReason, description string) error {
	return d.settle(ctx, func(ctx context.Context) error {
		if err := d.publish(ctx, "", d.dlq, deadLetterPublishing(d.raw, reason, description)); err != nil {
			return err
		}
		return d.raw.Ack(false)
	})
}

func (d *delivery) settle(ctx context.Context, action func(context.Context) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return topicbus.ErrAlreadySettled
	}
	if d.autoAck {
		d.settled = true
		return nil
	}

	if err := action(ctx); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			// The channel is gone and the broker has requeued the message.
			return topicbus.NewErrorWithCause(topicbus.ErrCodeDelivery, "channel closed before settlement", topicbus.ErrLockLost)
		}
		var te *topicbus.Error
		if errors.As(err, &te) {
			return err
		}
		return topicbus.NewErrorWithCause(topicbus.ErrCodeDelivery, "failed to settle message", err)
	}
	d.settled = true
	return nil
}
