package topicbus

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/coregx/topicbus/model"
)

// Health status values.
const (
	HealthOK    = "ok"
	HealthError = "error"
)

// HealthStatus is the aggregated result of Bus.Health.
type HealthStatus struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Healthy reports whether every subscription check succeeded.
func (h HealthStatus) Healthy() bool {
	return h.Status == HealthOK
}

// Health checks every configured subscription concurrently. Brokers that
// implement SubscriptionChecker are asked directly; others get a one-message
// peek of the active sub-queue. Any failure yields status "error" with the
// first error as details.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	g, gctx := errgroup.WithContext(ctx)
	for name, sub := range b.cfg.Subscriptions {
		g.Go(func() error {
			if err := b.checkSubscription(gctx, name, sub); err != nil {
				return fmt.Errorf("subscription %s: %w", name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.logger.Warnf("Health check failed: %v", err)
		return HealthStatus{Status: HealthError, Details: err.Error()}
	}
	return HealthStatus{Status: HealthOK}
}

func (b *Bus) checkSubscription(ctx context.Context, name string, sub SubscriptionConfig) error {
	p, ok := b.broker.(SubscriptionChecker)
	if !ok {
		_, err := b.PeekActive(ctx, name, 1)
		return err
	}
	if b.isStopped() {
		return ErrBusStopped
	}
	if err := p.CheckSubscription(ctx, sub.Topic, sub.Subscription); err != nil {
		return NewErrorWithCause(ErrCodeTransport,
			fmt.Sprintf("failed to check %s", model.EntityPath(sub.Topic, sub.Subscription)), err)
	}
	return nil
}
