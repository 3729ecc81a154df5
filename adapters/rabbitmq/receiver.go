package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

type receiver struct {
	b            *Broker
	topic        string
	subscription string
	queue        string
	opts         topicbus.ReceiverOptions

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
	wg      sync.WaitGroup

	// pull serves Receive. Deliveries obtained with Get must be acknowledged
	// on the channel that returned them, so it lives as long as the receiver.
	pullMu sync.Mutex
	pull   *amqp.Channel
}

func (r *receiver) autoAck() bool {
	return r.opts.Mode == topicbus.ReceiveAndDelete
}

func (r *receiver) concurrency() int {
	if r.opts.MaxConcurrent <= 0 {
		return 1
	}
	return r.opts.MaxConcurrent
}

func (r *receiver) wrap(raw amqp.Delivery) *delivery {
	return &delivery{
		raw:      raw,
		snapshot: toReceived(raw, r.topic, r.subscription, r.queue),
		dlq:      deadLetterQueueName(r.topic, r.subscription),
		autoAck:  r.autoAck(),
		publish:  r.b.publisher.publish,
	}
}

// Subscribe consumes the queue with a prefetch of MaxConcurrent. When the
// consumer channel is closed by the server the error is reported and the
// consumer is re-established after the poll interval.
func (r *receiver) Subscribe(ctx context.Context, handler topicbus.DeliveryHandler, onError func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	ch, deliveries, err := r.consume()
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancels = append(r.cancels, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(loopCtx, ch, deliveries, handler, onError)
	}()
	return nil
}

func (r *receiver) consume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := r.b.channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(r.concurrency(), 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to set QoS", err)
	}
	deliveries, err := ch.Consume(r.queue, "", r.autoAck(), false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to start consuming "+r.queue, err)
	}
	return ch, deliveries, nil
}

func (r *receiver) run(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery, handler topicbus.DeliveryHandler, onError func(error)) {
	sem := semaphore.NewWeighted(int64(r.concurrency()))
	r.b.logger.Infof("Consumer started on %s", r.queue)

	for {
		r.dispatch(ctx, sem, deliveries, handler)

		// Let running handlers settle before the channel goes away.
		_ = sem.Acquire(context.Background(), int64(r.concurrency()))
		sem.Release(int64(r.concurrency()))
		if !ch.IsClosed() {
			_ = ch.Close()
		}

		if ctx.Err() != nil {
			r.b.logger.Infof("Consumer stopped on %s", r.queue)
			return
		}
		if onError != nil {
			onError(topicbus.NewError(topicbus.ErrCodeTransport, "consumer channel closed on "+r.queue))
		}

		for {
			select {
			case <-ctx.Done():
				r.b.logger.Infof("Consumer stopped on %s", r.queue)
				return
			case <-time.After(r.b.pollInterval):
			}

			var err error
			ch, deliveries, err = r.consume()
			if err == nil {
				r.b.logger.Infof("Consumer re-established on %s", r.queue)
				break
			}
			if errors.Is(err, ErrClosed) {
				r.b.logger.Warnf("Consumer on %s stopped: broker closed", r.queue)
				return
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

// dispatch hands deliveries to handler until ctx is cancelled or the
// delivery channel closes.
func (r *receiver) dispatch(ctx context.Context, sem *semaphore.Weighted, deliveries <-chan amqp.Delivery, handler topicbus.DeliveryHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				// Unsettled messages are requeued when the channel closes.
				return
			}
			d := r.wrap(raw)
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer sem.Release(1)
				handler(ctx, d)
			}()
		}
	}
}

func (r *receiver) pullChannel() (*amqp.Channel, error) {
	if r.pull != nil && !r.pull.IsClosed() {
		return r.pull, nil
	}
	ch, err := r.b.channel()
	if err != nil {
		return nil, err
	}
	r.pull = ch
	return ch, nil
}

// get pulls up to max messages without waiting.
func (r *receiver) get(max int) ([]topicbus.Delivery, error) {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	ch, err := r.pullChannel()
	if err != nil {
		return nil, err
	}

	var out []topicbus.Delivery
	for len(out) < max {
		raw, ok, err := ch.Get(r.queue, r.autoAck())
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to get from "+r.queue, err)
		}
		if !ok {
			break
		}
		out = append(out, r.wrap(raw))
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
		deliveries, err := r.get(max)
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

// Peek reads up to max messages on a throwaway channel and closes it without
// acknowledging, which returns them to the queue. RabbitMQ marks such
// messages as redelivered.
func (r *receiver) Peek(_ context.Context, max int) ([]model.ReceivedMessage, error) {
	ch, err := r.b.channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	out := make([]model.ReceivedMessage, 0, max)
	for len(out) < max {
		raw, ok, err := ch.Get(r.queue, false)
		if err != nil {
			return nil, topicbus.NewErrorWithCause(topicbus.ErrCodeTransport, "failed to peek "+r.queue, err)
		}
		if !ok {
			break
		}
		out = append(out, toReceived(raw, r.topic, r.subscription, r.queue))
	}
	return out, nil
}

// Close stops consumers, waits for running handlers bounded by ctx and
// closes the pull channel. Unsettled pulled messages return to the queue.
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

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	r.pullMu.Lock()
	if r.pull != nil && !r.pull.IsClosed() {
		_ = r.pull.Close()
	}
	r.pull = nil
	r.pullMu.Unlock()
	return err
}
