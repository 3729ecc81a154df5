package topicbus

import (
	"context"
	"time"

	"github.com/coregx/topicbus/model"
)

// ReceiveMode controls how a receiver hands out messages.
type ReceiveMode int

const (
	// PeekLock locks each delivered message until it is settled or the lock expires.
	PeekLock ReceiveMode = iota

	// ReceiveAndDelete removes messages from the broker as they are received.
	// Settlement actions on such deliveries are no-ops.
	ReceiveAndDelete
)

// SubQueue selects which part of a subscription a receiver reads.
type SubQueue int

const (
	// SubQueueNone reads the active sub-queue.
	SubQueueNone SubQueue = iota

	// SubQueueDeadLetter reads the dead-letter sub-queue.
	SubQueueDeadLetter
)

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	Mode     ReceiveMode
	SubQueue SubQueue

	// MaxConcurrent bounds concurrent handler calls in Subscribe. Zero means 1.
	MaxConcurrent int
}

// Broker is the external topic/subscription broker the bus runs on.
// Implementations live under adapters/.
type Broker interface {
	// NewSender returns a sender bound to a topic.
	NewSender(ctx context.Context, topic string) (Sender, error)

	// NewReceiver returns a receiver bound to a topic/subscription pair.
	NewReceiver(ctx context.Context, topic, subscription string, opts ReceiverOptions) (Receiver, error)

	// Close releases the broker connection.
	Close(ctx context.Context) error
}

// Sender sends messages to one topic.
type Sender interface {
	// Send enqueues a message for immediate delivery.
	Send(ctx context.Context, msg *model.Message) error

	// Schedule enqueues a message that becomes visible at the given time and
	// returns its sequence number.
	Schedule(ctx context.Context, msg *model.Message, at time.Time) (int64, error)

	// CancelScheduled removes a scheduled message that has not become visible yet.
	// Brokers that cannot cancel return ErrNotSupported.
	CancelScheduled(ctx context.Context, sequenceNumber int64) error

	// Close releases the sender.
	Close(ctx context.Context) error
}

// DeliveryHandler processes one delivery. The handler owns settlement.
type DeliveryHandler func(ctx context.Context, d Delivery)

// Receiver reads messages from one topic/subscription sub-queue.
type Receiver interface {
	// Subscribe starts push-style delivery. It returns once the receive loop is
	// running; the loop stops when ctx is cancelled or the receiver is closed.
	// Transport errors are passed to onError.
	Subscribe(ctx context.Context, handler DeliveryHandler, onError func(error)) error

	// Receive pulls up to max messages, waiting at most wait for the first one.
	// An empty result with a nil error means nothing arrived in time.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)

	// Peek returns up to max messages without locking or removing them.
	Peek(ctx context.Context, max int) ([]model.ReceivedMessage, error)

	// Close stops the receiver. Subscribe loops exit once their in-progress
	// handler calls return.
	Close(ctx context.Context) error
}

// Delivery is a received message plus its settlement actions.
// Exactly one of Complete, Abandon or DeadLetter succeeds per delivery;
// subsequent calls return ErrAlreadySettled.
type Delivery interface {
	// Message returns the read-only snapshot of the delivered message.
	Message() model.ReceivedMessage

	// Complete removes the message from the subscription.
	Complete(ctx context.Context) error

	// Abandon releases the lock so the broker redelivers the message.
	Abandon(ctx context.Context) error

	// DeadLetter moves the message to the dead-letter sub-queue.
	DeadLetter(ctx context.Context, reason model.DeadLetterReason, description string) error
}

// Provisioner is implemented by brokers that can create subscriptions on demand.
// EnsureTopology calls it for every configured subscription.
type Provisioner interface {
	EnsureSubscription(ctx context.Context, topic, subscription string) error
}

// SubscriptionChecker is implemented by brokers that can check a subscription
// without touching its messages. Health prefers it over peeking the active
// sub-queue.
type SubscriptionChecker interface {
	CheckSubscription(ctx context.Context, topic, subscription string) error
}
