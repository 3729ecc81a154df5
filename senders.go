package topicbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// senderKey identifies a registry entry. Publications use their name; backoff
// reschedules use an empty publication so every subscription on a topic shares one sender.
type senderKey struct {
	publication string
	topic       string
}

func (k senderKey) String() string {
	if k.publication == "" {
		return "topic:" + k.topic
	}
	return k.publication + "->" + k.topic
}

// senderRegistry caches one Sender per key. Entries are created on first use
// and closed together by closeAll.
type senderRegistry struct {
	broker Broker

	mu      sync.Mutex
	senders map[senderKey]Sender
	closed  bool
}

func newSenderRegistry(broker Broker) *senderRegistry {
	return &senderRegistry{
		broker:  broker,
		senders: make(map[senderKey]Sender),
	}
}

// get returns the sender for key, creating it on first use.
func (r *senderRegistry) get(ctx context.Context, key senderKey) (Sender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrBusStopped
	}
	if s, ok := r.senders[key]; ok {
		return s, nil
	}

	s, err := r.broker.NewSender(ctx, key.topic)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("failed to create sender for %s", key), err)
	}
	r.senders[key] = s
	return s, nil
}

func (r *senderRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}

// closeAll closes every sender exactly once. Later gets fail with ErrBusStopped.
func (r *senderRegistry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	senders := r.senders
	r.senders = make(map[senderKey]Sender)
	r.mu.Unlock()

	var errs []error
	for key, s := range senders {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sender %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
