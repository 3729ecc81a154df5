package topicbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// defaultReceiveWait bounds each DLQ receive call.
const defaultReceiveWait = 10 * time.Second

// Bus publishes to and consumes from the publications and subscriptions of a Config.
//
// Thread safety: Safe for concurrent use.
type Bus struct {
	cfg                 Config
	broker              Broker
	logger              Logger
	metrics             MetricsCollector
	notificationService NotificationService
	receiveWait         time.Duration

	senders  *senderRegistry
	inflight *inFlight

	// runCtx stops receive loops; handlerCtx is only cancelled when a drain times out.
	runCtx        context.Context
	runCancel     context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	mu        sync.Mutex
	receivers []Receiver
	stopped   bool

	stopOnce sync.Once
	stopErr  error
}

// New creates a Bus for cfg with the provided options.
//
// Required options:
//   - WithBroker: the broker adapter
//
// Optional options:
//   - WithLogger (default: NoopLogger)
//   - WithMetrics (default: NoOpMetricsCollector)
//   - WithNotifications (default: NoOpNotificationService)
//   - WithReceiveWait (default: 10s)
func New(cfg Config, opts ...Option) (*Bus, error) {
	b := &Bus{
		cfg:                 cfg,
		logger:              &NoopLogger{},
		metrics:             NoOpMetricsCollector{},
		notificationService: &NoOpNotificationService{},
		receiveWait:         defaultReceiveWait,
		inflight:            newInFlight(),
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if b.broker == nil {
		return nil, NewError(ErrCodeConfiguration, "Broker is required (use WithBroker)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid config", err)
	}

	b.senders = newSenderRegistry(b.broker)
	b.runCtx, b.runCancel = context.WithCancel(context.Background())
	b.handlerCtx, b.handlerCancel = context.WithCancel(context.Background())

	b.logger.Infof("Bus created: publications=%d, subscriptions=%d",
		len(cfg.Publications), len(cfg.Subscriptions))
	return b, nil
}

// InFlight returns the number of messages currently being handled.
func (b *Bus) InFlight() int {
	return b.inflight.count()
}

func (b *Bus) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Stop shuts the bus down: receive loops stop, in-flight handlers are drained,
// then senders, receivers and the broker are closed in that order.
// If ctx ends before the drain completes, handler contexts are cancelled and
// closing continues. Stop is idempotent; later calls return the first result.
func (b *Bus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop(ctx)
	})
	return b.stopErr
}

func (b *Bus) stop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	receivers := b.receivers
	b.receivers = nil
	b.mu.Unlock()

	b.runCancel()
	defer b.handlerCancel()

	b.logger.Infof("Bus stopping, draining %d in-flight messages", b.inflight.count())

	var errs []error
	if err := b.inflight.wait(ctx); err != nil {
		b.logger.Warnf("Drain interrupted with %d messages in flight: %v", b.inflight.count(), err)
		b.handlerCancel()
		errs = append(errs, NewErrorWithCause(ErrCodeTransport, "drain interrupted", err))
	}

	closeCtx := context.WithoutCancel(ctx)
	if err := b.senders.closeAll(closeCtx); err != nil {
		errs = append(errs, err)
	}
	for _, r := range receivers {
		if err := r.Close(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("close receiver: %w", err))
		}
	}
	if err := b.broker.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Info("Bus stopped")
	return nil
}
