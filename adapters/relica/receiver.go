package relica

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

type receiver struct {
	b    *Broker
	sub  subscriptionRow
	opts topicbus.ReceiverOptions

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func (r *receiver) subQueue() string {
	if r.opts.SubQueue == topicbus.SubQueueDeadLetter {
		return subQueueDead
	}
	return subQueueActive
}

// Subscribe starts a polling loop that hands claimed deliveries to handler,
// at most MaxConcurrent at a time.
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

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(loopCtx, semaphore.NewWeighted(concurrency), handler, onError)
	}()
	return nil
}

// run polls until ctx is cancelled. Claim failures are reported and retried
// on the next tick.
func (r *receiver) run(ctx context.Context, sem *semaphore.Weighted, handler topicbus.DeliveryHandler, onError func(error)) {
	ticker := time.NewTicker(r.b.pollInterval)
	defer ticker.Stop()

	path := model.EntityPath(r.sub.Topic, r.sub.Name)
	r.b.logger.Infof("Receiver started on %s", path)

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			r.b.logger.Infof("Receiver stopped on %s", path)
			return
		}

		deliveries, err := r.claim(ctx, 1)
		if err != nil && ctx.Err() == nil && onError != nil {
			onError(err)
		}
		if len(deliveries) == 0 {
			sem.Release(1)
			select {
			case <-ctx.Done():
				r.b.logger.Infof("Receiver stopped on %s", path)
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

// claim locks up to max deliveries. Rows claimed by a competing receiver are skipped.
func (r *receiver) claim(ctx context.Context, max int) ([]topicbus.Delivery, error) {
	if err := r.b.checkOpen(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows, err := r.b.store.candidates(ctx, r.sub.ID, r.subQueue(), now, max)
	if err != nil {
		return nil, err
	}

	var out []topicbus.Delivery
	for _, row := range rows {
		d, err := r.claimOne(ctx, row, now)
		if err != nil {
			if len(out) == 0 {
				return nil, err
			}
			r.b.logger.Warnf("Failed to claim delivery %d: %v", row.ID, err)
			break
		}
		if d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *receiver) claimOne(ctx context.Context, row deliveryRow, now time.Time) (*delivery, error) {
	token := uuid.NewString()
	claimed, ok, err := r.b.store.claim(ctx, row, token, now.Add(r.b.lockDuration))
	if err != nil || !ok {
		return nil, err
	}

	m, err := r.b.store.loadMessage(ctx, claimed.MessageID)
	if topicbus.IsNoData(err) {
		r.b.logger.Warnf("Dropping delivery %d without message %d", claimed.ID, claimed.MessageID)
		return nil, r.b.store.remove(ctx, claimed)
	}
	if err != nil {
		return nil, err
	}

	rm, err := received(m, claimed, r.sub)
	if err != nil {
		return nil, err
	}

	if r.opts.Mode == topicbus.ReceiveAndDelete {
		if err := r.b.store.remove(ctx, claimed); err != nil {
			return nil, err
		}
	}

	return &delivery{
		b:        r.b,
		row:      claimed,
		token:    token,
		snapshot: rm,
		mode:     r.opts.Mode,
	}, nil
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
		deliveries, err := r.claim(ctx, max)
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

// Peek returns visible deliveries without locking them.
func (r *receiver) Peek(ctx context.Context, max int) ([]model.ReceivedMessage, error) {
	if err := r.b.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := r.b.store.peek(ctx, r.sub.ID, r.subQueue(), time.Now().UTC(), max)
	if err != nil {
		return nil, err
	}

	out := make([]model.ReceivedMessage, 0, len(rows))
	for _, row := range rows {
		m, err := r.b.store.loadMessage(ctx, row.MessageID)
		if topicbus.IsNoData(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rm, err := received(m, row, r.sub)
		if err != nil {
			return nil, err
		}
		rm.System.LockToken = ""
		out = append(out, rm)
	}
	return out, nil
}

// Close stops polling loops and waits for running handlers, bounded by ctx.
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
