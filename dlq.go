package topicbus

import (
	"context"
	"fmt"

	"github.com/coregx/topicbus/model"
)

// dlqBatchSize is the receive batch used by EmptyDLQ. A shorter batch means
// the dead-letter sub-queue is exhausted.
const dlqBatchSize = 50

// DLQHandler processes one dead-lettered message and is responsible for settling it.
type DLQHandler func(ctx context.Context, d Delivery) error

// PeekDLQ returns up to count dead-lettered messages of a subscription without
// removing them. count <= 0 peeks one message.
func (b *Bus) PeekDLQ(ctx context.Context, name string, count int) ([]model.ReceivedMessage, error) {
	return b.peek(ctx, name, SubQueueDeadLetter, count)
}

// PeekActive returns up to count messages waiting in the active sub-queue.
// Brokers without a native browse, such as RabbitMQ, implement peek as an
// unacknowledged get; the peeked messages are requeued as redelivered and
// their delivery count goes up by one.
func (b *Bus) PeekActive(ctx context.Context, name string, count int) ([]model.ReceivedMessage, error) {
	return b.peek(ctx, name, SubQueueNone, count)
}

// ProcessDLQ receives dead-lettered messages one at a time and passes them to
// handler until a receive returns nothing within the receive wait. A handler
// error stops processing and is returned. It returns the number of messages handled.
func (b *Bus) ProcessDLQ(ctx context.Context, name string, handler DLQHandler) (int, error) {
	if handler == nil {
		return 0, NewError(ErrCodeValidation, "handler is required")
	}

	receiver, sub, err := b.openReceiver(ctx, name, ReceiverOptions{Mode: PeekLock, SubQueue: SubQueueDeadLetter})
	if err != nil {
		return 0, err
	}
	defer b.closeReceiver(ctx, name, receiver)

	processed := 0
	for {
		batch, err := receiver.Receive(ctx, 1, b.receiveWait)
		if err != nil {
			return processed, NewErrorWithCause(ErrCodeTransport,
				fmt.Sprintf("failed to receive from %s", model.DeadLetterPath(sub.Topic, sub.Subscription)), err)
		}
		if len(batch) == 0 {
			b.logger.Infof("Processed %d messages from DLQ of %s", processed, name)
			return processed, nil
		}

		for _, d := range batch {
			if err := handler(ctx, d); err != nil {
				return processed, err
			}
			processed++
		}
	}
}

// EmptyDLQ deletes every dead-lettered message of a subscription in batches of 50
// and returns how many were removed.
func (b *Bus) EmptyDLQ(ctx context.Context, name string) (int, error) {
	receiver, sub, err := b.openReceiver(ctx, name, ReceiverOptions{Mode: ReceiveAndDelete, SubQueue: SubQueueDeadLetter})
	if err != nil {
		return 0, err
	}
	defer b.closeReceiver(ctx, name, receiver)

	removed := 0
	for {
		batch, err := receiver.Receive(ctx, dlqBatchSize, b.receiveWait)
		if err != nil {
			return removed, NewErrorWithCause(ErrCodeTransport,
				fmt.Sprintf("failed to receive from %s", model.DeadLetterPath(sub.Topic, sub.Subscription)), err)
		}
		removed += len(batch)
		if len(batch) < dlqBatchSize {
			b.logger.Infof("Emptied DLQ of %s (%d messages)", name, removed)
			return removed, nil
		}
	}
}

func (b *Bus) peek(ctx context.Context, name string, subQueue SubQueue, count int) ([]model.ReceivedMessage, error) {
	if count <= 0 {
		count = 1
	}

	receiver, sub, err := b.openReceiver(ctx, name, ReceiverOptions{Mode: PeekLock, SubQueue: subQueue})
	if err != nil {
		return nil, err
	}
	defer b.closeReceiver(ctx, name, receiver)

	msgs, err := receiver.Peek(ctx, count)
	if err != nil {
		path := model.EntityPath(sub.Topic, sub.Subscription)
		if subQueue == SubQueueDeadLetter {
			path = model.DeadLetterPath(sub.Topic, sub.Subscription)
		}
		return nil, NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("failed to peek %s", path), err)
	}
	if msgs == nil {
		msgs = []model.ReceivedMessage{}
	}
	return msgs, nil
}

// openReceiver creates a short-lived receiver for administrative operations.
func (b *Bus) openReceiver(ctx context.Context, name string, opts ReceiverOptions) (Receiver, SubscriptionConfig, error) {
	sub, err := b.cfg.subscription(name)
	if err != nil {
		return nil, SubscriptionConfig{}, err
	}
	if b.isStopped() {
		return nil, SubscriptionConfig{}, ErrBusStopped
	}

	receiver, err := b.broker.NewReceiver(ctx, sub.Topic, sub.Subscription, opts)
	if err != nil {
		return nil, SubscriptionConfig{}, NewErrorWithCause(ErrCodeTransport,
			fmt.Sprintf("failed to create receiver for %s", name), err)
	}
	return receiver, sub, nil
}

func (b *Bus) closeReceiver(ctx context.Context, name string, receiver Receiver) {
	if err := receiver.Close(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warnf("Failed to close receiver for %s: %v", name, err)
	}
}
