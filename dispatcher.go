package topicbus

import (
	"context"
	"fmt"

	"github.com/coregx/topicbus/codec"
	"github.com/coregx/topicbus/model"
)

// Handler processes one decoded message. Returning an error hands the message
// to the subscription's error strategy; wrap it with WithStrategy to override.
type Handler func(ctx context.Context, env *Envelope) error

// SubscribeFunc attaches a handler to a configured subscription.
type SubscribeFunc func(name string, handler Handler) error

// Envelope is what handlers receive.
type Envelope struct {
	// Body is the decoded payload: []byte for "default" encoding, the parsed
	// JSON value for "zlib".
	Body       any
	Properties model.Properties
	System     model.SystemProperties

	raw      []byte
	encoding string
}

// Bind unmarshals the JSON body into v.
func (e *Envelope) Bind(v any) error {
	return codec.DecodeInto(e.raw, e.encoding, v)
}

// Attempt returns the attempt counter of the message.
func (e *Envelope) Attempt() int {
	return model.CurrentAttempt(model.ReceivedMessage{
		Message: model.Message{Properties: e.Properties},
		System:  e.System,
	})
}

func newEnvelope(rm model.ReceivedMessage) (*Envelope, error) {
	encoding := rm.ContentEncoding()
	body, err := codec.Decode(rm.Body, encoding)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeDecode,
			fmt.Sprintf("failed to decode message %s", rm.System.MessageID), err)
	}
	return &Envelope{
		Body:       body,
		Properties: rm.Properties,
		System:     rm.System,
		raw:        rm.Body,
		encoding:   encoding,
	}, nil
}

// Subscribe returns a SubscribeFunc whose receive loops report transport and
// strategy errors to onError. A nil onError logs them.
//
// Example:
//
//	subscribe := bus.Subscribe(func(err error) { log.Printf("bus: %v", err) })
//	err := subscribe("billing", func(ctx context.Context, env *topicbus.Envelope) error {
//	    var order Order
//	    if err := env.Bind(&order); err != nil {
//	        return topicbus.WithStrategy(err, topicbus.StrategyDeadLetter)
//	    }
//	    return charge(ctx, order)
//	})
func (b *Bus) Subscribe(onError func(error)) SubscribeFunc {
	if onError == nil {
		onError = func(err error) {
			b.logger.Errorf("Subscription error: %v", err)
		}
	}
	return func(name string, handler Handler) error {
		return b.subscribe(name, handler, onError)
	}
}

func (b *Bus) subscribe(name string, handler Handler, onError func(error)) error {
	if handler == nil {
		return NewError(ErrCodeValidation, "handler is required")
	}
	sub, err := b.cfg.subscription(name)
	if err != nil {
		return err
	}
	configured, err := configuredStrategy(sub)
	if err != nil {
		return err
	}

	if b.isStopped() {
		return ErrBusStopped
	}

	receiver, err := b.broker.NewReceiver(b.runCtx, sub.Topic, sub.Subscription, ReceiverOptions{
		Mode:          PeekLock,
		SubQueue:      SubQueueNone,
		MaxConcurrent: sub.MaxConcurrent,
	})
	if err != nil {
		return NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("failed to create receiver for %s", name), err)
	}

	d := &dispatcher{
		bus:        b,
		target:     strategyTarget{name: name, sub: sub},
		configured: configured,
		handler:    handler,
		onError:    onError,
	}
	if err := receiver.Subscribe(b.runCtx, d.dispatch, onError); err != nil {
		b.discardReceiver(name, receiver)
		return NewErrorWithCause(ErrCodeTransport, fmt.Sprintf("failed to subscribe to %s", name), err)
	}

	// Broker I/O runs unlocked; Stop may have taken the receiver list meanwhile.
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.discardReceiver(name, receiver)
		return ErrBusStopped
	}
	b.receivers = append(b.receivers, receiver)
	b.mu.Unlock()

	b.logger.Infof("Subscribed %s to %s (strategy=%s)",
		name, model.EntityPath(sub.Topic, sub.Subscription), configured.Kind)
	return nil
}

func (b *Bus) discardReceiver(name string, receiver Receiver) {
	if err := receiver.Close(context.WithoutCancel(b.runCtx)); err != nil {
		b.logger.Warnf("Failed to close receiver for %s: %v", name, err)
	}
}

// dispatcher runs the per-message pipeline of one subscription.
type dispatcher struct {
	bus        *Bus
	target     strategyTarget
	configured Strategy
	handler    Handler
	onError    func(error)
}

// dispatch filters, decodes, handles and settles one delivery.
func (d *dispatcher) dispatch(ctx context.Context, delivery Delivery) {
	b := d.bus
	b.inflight.inc()
	b.metrics.InFlightChanged(1)
	defer func() {
		b.inflight.dec()
		b.metrics.InFlightChanged(-1)
	}()

	// Settlement must survive the receive loop being cancelled during drain.
	settleCtx := context.WithoutCancel(ctx)
	rm := delivery.Message()

	if target := rm.Properties.String(model.PropSubscriptionName); target != "" && target != d.target.name {
		d.complete(settleCtx, delivery, rm)
		b.metrics.RecordHandled(d.target.name, OutcomeFiltered)
		return
	}

	handlerErr := d.handle(rm)
	if handlerErr == nil {
		d.complete(settleCtx, delivery, rm)
		b.metrics.RecordHandled(d.target.name, OutcomeCompleted)
		return
	}

	b.metrics.RecordHandled(d.target.name, OutcomeFailed)
	b.logger.Debugf("Handler for %s failed on message %s: %v", d.target.name, rm.System.MessageID, handlerErr)
	if err := b.notificationService.NotifyHandlerFailure(settleCtx, d.target.name, rm, handlerErr); err != nil {
		b.logger.Warnf("Failed to send handler failure notification: %v", err)
	}

	st := resolveStrategy(handlerErr, d.configured)
	if err := b.applyStrategy(settleCtx, d.target, st, delivery, handlerErr); err != nil {
		d.onError(err)
	}
}

// handle decodes and invokes the handler. Decode errors and panics count as handler failures.
func (d *dispatcher) handle(rm model.ReceivedMessage) (err error) {
	env, err := newEnvelope(rm)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler(d.bus.handlerCtx, env)
}

func (d *dispatcher) complete(ctx context.Context, delivery Delivery, rm model.ReceivedMessage) {
	if err := delivery.Complete(ctx); err != nil {
		d.onError(NewErrorWithCause(ErrCodeDelivery,
			fmt.Sprintf("failed to complete message %s on %s", rm.System.MessageID, d.target.name), err))
	}
}
