package topicbus

import (
	"context"
	"fmt"

	"github.com/coregx/topicbus/model"
)

// EnsureTopology creates every configured subscription on brokers that
// implement Provisioner. Other brokers are expected to be provisioned out of band
// and this is a no-op for them.
//
// Duplicate topic/subscription pairs (several logical subscriptions sharing one
// physical subscription) are provisioned once.
func (b *Bus) EnsureTopology(ctx context.Context) error {
	p, ok := b.broker.(Provisioner)
	if !ok {
		b.logger.Debugf("Broker does not provision subscriptions, skipping topology")
		return nil
	}

	seen := make(map[string]bool, len(b.cfg.Subscriptions))
	for name, sub := range b.cfg.Subscriptions {
		path := model.EntityPath(sub.Topic, sub.Subscription)
		if seen[path] {
			continue
		}
		seen[path] = true

		if err := p.EnsureSubscription(ctx, sub.Topic, sub.Subscription); err != nil {
			return NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("failed to provision subscription %s (%s)", name, path), err)
		}
		b.logger.Infof("Subscription provisioned: name=%s, path=%s", name, path)
	}
	return nil
}
