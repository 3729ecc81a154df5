package topicbus

import (
	"fmt"
	"time"
)

// Option is a function that configures a Bus.
//
// Example:
//
//	bus, err := topicbus.New(cfg,
//	    topicbus.WithBroker(broker),
//	    topicbus.WithLogger(logger),
//	    topicbus.WithReceiveWait(5*time.Second), // optional
//	)
type Option func(*Bus) error

// WithBroker sets the broker the bus runs on.
//
// This is a required option for New.
func WithBroker(broker Broker) Option {
	return func(b *Bus) error {
		if broker == nil {
			return fmt.Errorf("broker cannot be nil")
		}
		b.broker = broker
		return nil
	}
}

// WithLogger sets the logger instance. Defaults to NoopLogger.
//
// Use NewZerologLogger for structured output or implement Logger
// to integrate with your logging system.
func WithLogger(logger Logger) Option {
	return func(b *Bus) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector. Defaults to NoOpMetricsCollector.
func WithMetrics(metrics MetricsCollector) Option {
	return func(b *Bus) error {
		if metrics == nil {
			return fmt.Errorf("metrics collector cannot be nil")
		}
		b.metrics = metrics
		return nil
	}
}

// WithNotifications sets an optional notification service.
// If not provided, NoOpNotificationService will be used (no notifications).
//
// The notification service receives callbacks for:
//   - Handler failures (every failed attempt)
//   - Messages moved to the dead-letter sub-queue
func WithNotifications(service NotificationService) Option {
	return func(b *Bus) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		b.notificationService = service
		return nil
	}
}

// WithReceiveWait sets how long DLQ operations wait for a receive before
// treating the sub-queue as empty. Default is 10 seconds.
func WithReceiveWait(wait time.Duration) Option {
	return func(b *Bus) error {
		if wait <= 0 {
			return fmt.Errorf("receive wait must be > 0, got %v", wait)
		}
		b.receiveWait = wait
		return nil
	}
}
