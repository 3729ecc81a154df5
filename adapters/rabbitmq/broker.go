package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coregx/topicbus"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	defaultPollInterval   = 250 * time.Millisecond
	defaultHeartbeat      = 10 * time.Second
	connectionName        = "topicbus"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = topicbus.NewError(topicbus.ErrCodeTransport, "rabbitmq broker closed")

// Option configures a Broker.
type Option func(*Broker) error

// WithMaxDeliveryCount sets x-delivery-limit on subscription queues. Once a
// message has been delivered more than n times RabbitMQ moves it to the
// dead-letter queue. Zero leaves the queue default. The limit only applies to
// queues declared after the option is set.
func WithMaxDeliveryCount(n int) Option {
	return func(b *Broker) error {
		if n < 0 {
			return errors.New("max delivery count cannot be negative")
		}
		b.maxDeliveryCount = n
		return nil
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm. Default is 5 seconds.
func WithConfirmTimeout(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return errors.New("confirm timeout must be positive")
		}
		b.confirmTimeout = d
		return nil
	}
}

// WithPollInterval sets how often Receive polls an empty queue. Default is 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		b.pollInterval = d
		return nil
	}
}

// WithLogger sets the logger used by consumers.
func WithLogger(logger topicbus.Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// Broker implements topicbus.Broker and topicbus.Provisioner over one AMQP connection.
type Broker struct {
	conn             *amqp.Connection
	maxDeliveryCount int
	confirmTimeout   time.Duration
	pollInterval     time.Duration
	logger           topicbus.Logger

	// publisher carries dead-letter copies and delay queue sends.
	publisher *confirmChannel

	mu          sync.Mutex
	closed      bool
	delayQueues map[string]bool
}

func newBroker(opts ...Option) (*Broker, error) {
	b := &Broker{
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
		logger:         &topicbus.NoopLogger{},
		delayQueues:    make(map[string]bool),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeConfiguration, "failed to apply option", err)
		}
	}
	b.publisher = &confirmChannel{open: b.channel, timeout: b.confirmTimeout}
	return b, nil
}

// New dials url and returns a Broker that owns the connection.
func New(url string, opts ...Option) (*Broker, error) {
	if url == "" {
		return nil, topicbus.NewError(topicbus.ErrCodeConfiguration, "connection URL is required")
	}

	b, err := newBroker(opts...)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  defaultHeartbeat,
		Properties: amqp.Table{"connection_name": connectionName},
	})
	if err != nil {
		return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to connect to rabbitmq", err)
	}
	b.conn = conn
	return b, nil
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.conn == nil || b.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (b *Broker) channel() (*amqp.Channel, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to open channel", err)
	}
	return ch, nil
}

// withChannel runs fn on a short-lived channel. Declaration failures close
// the channel on the server side, so channels are not reused here.
func (b *Broker) withChannel(fn func(*amqp.Channel) error) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

// EnsureSubscription declares the topic exchange, the subscription queue and its DLQ.
func (b *Broker) EnsureSubscription(_ context.Context, topic, subscription string) error {
	err := b.withChannel(func(ch *amqp.Channel) error {
		return declareSubscription(ch, topic, subscription, b.maxDeliveryCount)
	})
	if err != nil {
		return topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to declare subscription topology", err)
	}
	return nil
}

// CheckSubscription implements topicbus.SubscriptionChecker with a passive
// declare of the subscription queue, which leaves its messages and their
// delivery counts alone.
func (b *Broker) CheckSubscription(_ context.Context, topic, subscription string) error {
	queue := queueName(topic, subscription)
	return b.withChannel(func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue %s: %w", queue, err)
		}
		return nil
	})
}

// delayQueue declares the delay queue for topic once per broker.
func (b *Broker) delayQueue(topic string, delay time.Duration) (string, error) {
	name := delayQueueName(topic, delay)

	b.mu.Lock()
	known := b.delayQueues[name]
	b.mu.Unlock()
	if known {
		return name, nil
	}

	err := b.withChannel(func(ch *amqp.Channel) error {
		_, err := declareDelayQueue(ch, topic, delay)
		return err
	})
	if err != nil {
		return "", topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to declare delay queue", err)
	}

	b.mu.Lock()
	b.delayQueues[name] = true
	b.mu.Unlock()
	return name, nil
}

// NewSender declares the topic exchange and opens a confirm-mode channel for it.
func (b *Broker) NewSender(_ context.Context, topic string) (topicbus.Sender, error) {
	err := b.withChannel(func(ch *amqp.Channel) error {
		return declareExchange(ch, topic)
	})
	if err != nil {
		return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to create sender", err)
	}
	return &sender{
		b:     b,
		topic: topic,
		out:   &confirmChannel{open: b.channel, timeout: b.confirmTimeout},
	}, nil
}

// NewReceiver checks that the subscription queue exists and returns a receiver for it.
func (b *Broker) NewReceiver(_ context.Context, topic, subscription string, opts topicbus.ReceiverOptions) (topicbus.Receiver, error) {
	queue := queueName(topic, subscription)
	if opts.SubQueue == topicbus.SubQueueDeadLetter {
		queue = deadLetterQueueName(topic, subscription)
	}

	err := b.withChannel(func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
		return err
	})
	if err != nil {
		return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeConfiguration,
			"subscription queue "+queue+" does not exist", err)
	}

	return &receiver{
		b:            b,
		topic:        topic,
		subscription: subscription,
		queue:        queue,
		opts:         opts,
	}, nil
}

// Close closes the publisher channel and the connection.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.publisher.close()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to close connection", err)
	}
	return nil
}
