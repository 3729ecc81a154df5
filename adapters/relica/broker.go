package relica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/topicbus"
)

// DefaultTablePrefix is prepended to every table name.
const DefaultTablePrefix = "topicbus_"

const (
	defaultLockDuration = 30 * time.Second
	defaultPollInterval = time.Second
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = topicbus.NewError(topicbus.ErrCodeTransport, "relica broker closed")

// Option configures a Broker.
type Option func(*Broker) error

// WithTablePrefix overrides DefaultTablePrefix. Use the same prefix with Migrate.
func WithTablePrefix(prefix string) Option {
	return func(b *Broker) error {
		if prefix == "" {
			return errors.New("table prefix cannot be empty")
		}
		b.store.prefix = prefix
		return nil
	}
}

// WithLockDuration sets how long a claimed delivery stays locked. Default is 30 seconds.
func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return errors.New("lock duration must be positive")
		}
		b.lockDuration = d
		return nil
	}
}

// WithPollInterval sets how often receivers look for new deliveries. Default is 1 second.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		b.pollInterval = d
		return nil
	}
}

// WithMaxDeliveryCount dead-letters deliveries on abandon once their delivery
// count reaches n. Zero disables it.
func WithMaxDeliveryCount(n int) Option {
	return func(b *Broker) error {
		if n < 0 {
			return errors.New("max delivery count cannot be negative")
		}
		b.maxDeliveryCount = n
		return nil
	}
}

// WithLogger sets the logger used by receive loops.
func WithLogger(logger topicbus.Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// Broker implements topicbus.Broker and topicbus.Provisioner using Relica.
// The *sql.DB is owned by the caller and is not closed by Close.
type Broker struct {
	store            *store
	lockDuration     time.Duration
	pollInterval     time.Duration
	maxDeliveryCount int
	logger           topicbus.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a Broker. driverName should be "mysql", "postgres" or "sqlite3",
// matching the dialect names relica knows.
func New(sqlDB *sql.DB, driverName string, opts ...Option) (*Broker, error) {
	if sqlDB == nil {
		return nil, topicbus.NewError(topicbus.ErrCodeConfiguration, "database is required")
	}
	if _, err := dialectDir(driverName); err != nil {
		return nil, err
	}

	b := &Broker{
		store:        &store{db: relica.WrapDB(sqlDB, driverName), prefix: DefaultTablePrefix},
		lockDuration: defaultLockDuration,
		pollInterval: defaultPollInterval,
		logger:       &topicbus.NoopLogger{},
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeConfiguration, "failed to apply option", err)
		}
	}
	return b, nil
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// EnsureSubscription implements topicbus.Provisioner.
func (b *Broker) EnsureSubscription(ctx context.Context, topic, name string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	_, err := b.store.ensureSubscription(ctx, topic, name)
	return err
}

// NewSender implements topicbus.Broker.
func (b *Broker) NewSender(_ context.Context, topic string) (topicbus.Sender, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return &sender{b: b, topic: topic}, nil
}

// NewReceiver implements topicbus.Broker. The subscription must exist;
// use EnsureSubscription or Bus.EnsureTopology first.
func (b *Broker) NewReceiver(ctx context.Context, topic, name string, opts topicbus.ReceiverOptions) (topicbus.Receiver, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	sub, err := b.store.findSubscription(ctx, topic, name)
	if err != nil {
		if topicbus.IsNoData(err) {
			return nil, topicbus.NewError(topicbus.ErrCodeConfiguration,
				fmt.Sprintf("subscription %s/%s does not exist", topic, name))
		}
		return nil, err
	}
	return &receiver{b: b, sub: sub, opts: opts}, nil
}

// Close marks the broker closed. Receivers must be closed by their owners.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
