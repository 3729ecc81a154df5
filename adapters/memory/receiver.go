package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

type receiver struct {
	b    *Broker
	sub  *subscription
	opts topicbus.ReceiverOptions

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func (r *receiver) Subscribe(ctx context.Context, handler topicbus.DeliveryHandler, onError func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)

	concurrency := int64(r.opts.MaxConcurrent)
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(loopCtx, sem, handler, onError)
	}()
	return nil
}

func (r *receiver) loop(ctx context.Context, sem *semaphore.Weighted, handler topicbus.DeliveryHandler, onError func(error)) {
	ticker := time.NewTicker(r.b.pollInterval)
	defer ticker.Stop()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		deliveries, err := r.claim(1)
		if err != nil {
			sem.Release(1)
			if onError != nil {
				onError(err)
			}
			return
		}
		if len(deliveries) == 0 {
			sem.Release(1)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		r.wg.Add(1)
		go func(d topicbus.Delivery) {
			defer r.wg.Done()
			defer sem.Release(1)
			handler(ctx, d)
		}(deliveries[0])
	}
}

func (r *receiver) claim(max int) ([]topicbus.Delivery, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.b.closed {
		return nil, ErrClosed
	}

	claimed := r.b.claimLocked(r.sub, r.opts, max)
	out := make([]topicbus.Delivery, len(claimed))
	for i, d := range claimed {
		out[i] = d
	}
	return out, nil
}

func (r *receiver) Receive(ctx context.Context, max int, wait time.Duration) ([]topicbus.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.b.pollInterval)
	defer ticker.Stop()

	for {
		deliveries, err := r.claim(max)
		if err != nil {
			return nil, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}

func (r *receiver) Peek(_ context.Context, max int) ([]model.ReceivedMessage, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.b.closed {
		return nil, ErrClosed
	}
	if r.b.peekErr != nil {
		return nil, r.b.peekErr
	}
	return r.b.peekLocked(r.sub, r.opts.SubQueue, max), nil
}

// Close stops receive loops and waits for running handlers, bounded by ctx.
func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
