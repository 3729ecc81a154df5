package topicbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coregx/topicbus/model"
	"github.com/coregx/topicbus/retry"
)

// StrategyKind enumerates the recovery strategies applied after a handler failure.
type StrategyKind int

const (
	// StrategyRetry abandons the message so the broker redelivers it.
	StrategyRetry StrategyKind = iota

	// StrategyDeadLetter moves the message straight to the dead-letter sub-queue.
	StrategyDeadLetter

	// StrategyExponentialBackoff completes the message and schedules a clone
	// with an incremented attempt counter.
	StrategyExponentialBackoff
)

// String returns the configuration name of the strategy.
func (k StrategyKind) String() string {
	switch k {
	case StrategyDeadLetter:
		return "deadLetter"
	case StrategyExponentialBackoff:
		return "exponentialBackoff"
	default:
		return "retry"
	}
}

// ParseStrategyKind maps a configuration name to a kind. Unknown names yield StrategyRetry.
func ParseStrategyKind(name string) StrategyKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deadletter", "dlq":
		return StrategyDeadLetter
	case "exponentialbackoff":
		return StrategyExponentialBackoff
	default:
		return StrategyRetry
	}
}

// Strategy is a resolved recovery strategy. Backoff is only used by
// StrategyExponentialBackoff.
type Strategy struct {
	Kind    StrategyKind
	Backoff retry.Backoff
}

// StrategyError attaches a strategy override to a handler error.
type StrategyError struct {
	Kind StrategyKind
	Err  error
}

// Error implements the error interface.
func (e *StrategyError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the handler error.
func (e *StrategyError) Unwrap() error {
	return e.Err
}

// WithStrategy marks err so that the bus applies kind instead of the
// subscription's configured strategy. A nil err stays nil.
//
// Example:
//
//	if errors.Is(err, errCorruptOrder) {
//	    return topicbus.WithStrategy(err, topicbus.StrategyDeadLetter)
//	}
func WithStrategy(err error, kind StrategyKind) error {
	if err == nil {
		return nil
	}
	return &StrategyError{Kind: kind, Err: err}
}

// configuredStrategy builds the subscription's default strategy.
func configuredStrategy(sub SubscriptionConfig) (Strategy, error) {
	st := Strategy{Kind: StrategyRetry, Backoff: retry.DefaultBackoff()}
	if sub.ErrorHandling == nil {
		return st, nil
	}

	st.Kind = ParseStrategyKind(sub.ErrorHandling.Strategy)
	if opts := sub.ErrorHandling.Options; opts != nil {
		measure, err := retry.ParseMeasure(opts.Measure)
		if err != nil {
			return Strategy{}, NewErrorWithCause(ErrCodeConfiguration, "invalid backoff measure", err)
		}
		st.Backoff = retry.Backoff{Measure: measure, Attempts: opts.Attempts}
	}
	return st, nil
}

// resolveStrategy picks the error-attached strategy over the configured one.
func resolveStrategy(handlerErr error, configured Strategy) Strategy {
	var se *StrategyError
	if errors.As(handlerErr, &se) {
		return Strategy{Kind: se.Kind, Backoff: configured.Backoff}
	}
	return configured
}

// strategyTarget is the subscription a failed delivery belongs to.
type strategyTarget struct {
	name string
	sub  SubscriptionConfig
}

// applyStrategy settles a failed delivery. Exactly one terminal action is issued
// unless an error is returned, in which case the delivery may be left locked.
func (b *Bus) applyStrategy(ctx context.Context, target strategyTarget, st Strategy, d Delivery, handlerErr error) error {
	b.metrics.RecordStrategy(target.name, st.Kind)

	switch st.Kind {
	case StrategyDeadLetter:
		return b.deadLetter(ctx, target, d, model.ReasonHandlerFailure, handlerErr.Error())

	case StrategyExponentialBackoff:
		return b.backoff(ctx, target, st.Backoff, d, handlerErr)

	default:
		rm := d.Message()
		if limit := target.sub.MaxDeliveryCount; limit > 0 && rm.System.DeliveryCount >= limit {
			desc := fmt.Sprintf("delivery count %d reached limit %d: %v", rm.System.DeliveryCount, limit, handlerErr)
			return b.deadLetter(ctx, target, d, model.ReasonMaxDeliveryCountExceeded, desc)
		}
		if err := d.Abandon(ctx); err != nil {
			return NewErrorWithCause(ErrCodeStrategy,
				fmt.Sprintf("failed to abandon message %s", rm.System.MessageID), err)
		}
		b.logger.Debugf("Abandoned message %s on %s (delivery_count=%d)",
			rm.System.MessageID, target.name, rm.System.DeliveryCount)
		return nil
	}
}

func (b *Bus) deadLetter(ctx context.Context, target strategyTarget, d Delivery, reason model.DeadLetterReason, description string) error {
	rm := d.Message()
	if err := d.DeadLetter(ctx, reason, description); err != nil {
		return NewErrorWithCause(ErrCodeStrategy,
			fmt.Sprintf("failed to dead-letter message %s", rm.System.MessageID), err)
	}

	b.logger.Warnf("Moved message %s on %s to DLQ (attempt=%d, reason=%s)",
		rm.System.MessageID, target.name, model.CurrentAttempt(rm), reason)
	if err := b.notificationService.NotifyDeadLettered(ctx, target.name, rm, reason); err != nil {
		b.logger.Warnf("Failed to send DLQ notification: %v", err)
	}
	return nil
}

// backoff schedules a clone of the message carrying attempt+1 and completes the
// original. The original is only completed once the clone is scheduled; if the
// completion fails the clone is cancelled.
func (b *Bus) backoff(ctx context.Context, target strategyTarget, bo retry.Backoff, d Delivery, handlerErr error) error {
	rm := d.Message()
	attempt := model.CurrentAttempt(rm)

	if bo.LimitReached(attempt) {
		desc := fmt.Sprintf("attempt %d of %d: %v", attempt+1, bo.Limit(), handlerErr)
		return b.deadLetter(ctx, target, d, model.ReasonMaxAttemptsExceeded, desc)
	}

	delay := bo.Delay(attempt)
	clone := model.WithIncrementedAttempt(rm)
	// The clone is sent to the whole topic; only the failing subscription may handle it.
	if clone.Properties.String(model.PropSubscriptionName) == "" {
		clone.Properties[model.PropSubscriptionName] = target.name
	}
	key := senderKey{topic: target.sub.Topic}

	handle, err := b.send(ctx, key, &clone, time.Now().Add(delay))
	if err != nil {
		return NewErrorWithCause(ErrCodeStrategy,
			fmt.Sprintf("failed to reschedule message %s", rm.System.MessageID), err)
	}

	if err := d.Complete(ctx); err != nil {
		cancelErr := b.cancelReschedule(ctx, key, handle)
		return NewErrorWithCause(ErrCodeStrategy,
			fmt.Sprintf("failed to complete message %s after rescheduling", rm.System.MessageID),
			errors.Join(err, cancelErr))
	}

	b.logger.Debugf("Rescheduled message %s on %s in %v (attempt=%d)",
		rm.System.MessageID, target.name, delay, attempt+1)
	return nil
}

func (b *Bus) cancelReschedule(ctx context.Context, key senderKey, handle DeliveryHandle) error {
	sender, err := b.senders.get(ctx, key)
	if err != nil {
		return err
	}
	if err := sender.CancelScheduled(ctx, handle.SequenceNumber); err != nil {
		return fmt.Errorf("cancel rescheduled clone %d: %w", handle.SequenceNumber, err)
	}
	return nil
}
