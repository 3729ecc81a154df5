package topicbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/topicbus/codec"
	"github.com/coregx/topicbus/model"
)

// publishAttempts is the total number of inline send attempts per publish.
const publishAttempts = 3

// PublishFunc sends one payload to the publication it was created for.
type PublishFunc func(ctx context.Context, payload any, opts ...PublishOption) (DeliveryHandle, error)

// DeliveryHandle identifies a sent message. Scheduled sends carry the broker
// sequence number needed by Bus.CancelScheduled.
type DeliveryHandle struct {
	MessageID      string    `json:"messageId"`
	Scheduled      bool      `json:"scheduled"`
	SequenceNumber int64     `json:"sequenceNumber,omitempty"`
	ScheduledAt    time.Time `json:"scheduledAt,omitempty"`
}

type publishOptions struct {
	label         string
	encoding      string
	messageID     string
	correlationID string
	contentType   string
	scheduledAt   time.Time
	properties    model.Properties
}

// PublishOption customizes a single publish call.
type PublishOption func(*publishOptions)

// WithLabel sets the message label (subject).
func WithLabel(label string) PublishOption {
	return func(o *publishOptions) { o.label = label }
}

// WithContentEncoding selects the body codec ("default" or "zlib").
func WithContentEncoding(encoding string) PublishOption {
	return func(o *publishOptions) { o.encoding = encoding }
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) { o.messageID = id }
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithContentType overrides the publication's default content type.
func WithContentType(contentType string) PublishOption {
	return func(o *publishOptions) { o.contentType = contentType }
}

// WithScheduledEnqueueTime delays visibility of the message until at.
func WithScheduledEnqueueTime(at time.Time) PublishOption {
	return func(o *publishOptions) { o.scheduledAt = at }
}

// WithProperties merges extra application properties into the message.
// Caller values win over contentEncoding and attemptCount.
func WithProperties(props model.Properties) PublishOption {
	return func(o *publishOptions) {
		if o.properties == nil {
			o.properties = make(model.Properties, len(props))
		}
		for k, v := range props {
			o.properties[k] = v
		}
	}
}

// Publish returns a PublishFunc bound to a configured publication.
// It fails fast with a CONFIGURATION_ERROR when the name is unknown.
//
// Example:
//
//	publishOrder, err := bus.Publish("orderCreated")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	handle, err := publishOrder(ctx, order, topicbus.WithLabel("order"))
func (b *Bus) Publish(name string) (PublishFunc, error) {
	pub, err := b.cfg.publication(name)
	if err != nil {
		return nil, err
	}

	key := senderKey{publication: name, topic: pub.Topic}
	return func(ctx context.Context, payload any, opts ...PublishOption) (DeliveryHandle, error) {
		o := publishOptions{encoding: codec.Default, contentType: pub.ContentType}
		for _, opt := range opts {
			opt(&o)
		}

		msg, err := buildMessage(payload, o)
		if err != nil {
			return DeliveryHandle{}, err
		}

		handle, err := b.send(ctx, key, msg, o.scheduledAt)
		if err != nil {
			b.metrics.RecordPublishFailed(name)
			return DeliveryHandle{}, err
		}
		b.metrics.RecordPublished(name, handle.Scheduled)
		return handle, nil
	}, nil
}

// CancelScheduled cancels a scheduled message before it becomes visible.
func (b *Bus) CancelScheduled(ctx context.Context, name string, handle DeliveryHandle) error {
	pub, err := b.cfg.publication(name)
	if err != nil {
		return err
	}
	if !handle.Scheduled {
		return NewError(ErrCodeValidation, "delivery handle is not for a scheduled message")
	}

	sender, err := b.senders.get(ctx, senderKey{publication: name, topic: pub.Topic})
	if err != nil {
		return err
	}
	if err := sender.CancelScheduled(ctx, handle.SequenceNumber); err != nil {
		return NewErrorWithCause(ErrCodePublish,
			fmt.Sprintf("failed to cancel scheduled message %s", handle.MessageID), err)
	}
	return nil
}

func buildMessage(payload any, o publishOptions) (*model.Message, error) {
	body, err := codec.Encode(payload, o.encoding)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "failed to encode payload", err)
	}

	props := model.Properties{
		model.PropContentEncoding: o.encoding,
		model.PropAttemptCount:    0,
	}
	for k, v := range o.properties {
		props[k] = v
	}

	id := o.messageID
	if id == "" {
		id = uuid.NewString()
	}

	return &model.Message{
		Body:          body,
		MessageID:     id,
		CorrelationID: o.correlationID,
		Label:         o.label,
		ContentType:   o.contentType,
		Properties:    props,
	}, nil
}

// send transmits msg through the registry sender for key, retrying transport
// failures inline. A zero at sends immediately.
func (b *Bus) send(ctx context.Context, key senderKey, msg *model.Message, at time.Time) (DeliveryHandle, error) {
	sender, err := b.senders.get(ctx, key)
	if err != nil {
		return DeliveryHandle{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if attempt > 1 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				lastErr = errors.Join(lastErr, ctxErr)
				break
			}
		}

		handle, err := sendOnce(ctx, sender, msg, at)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		b.logger.Warnf("Send attempt %d/%d for message %s on %s failed: %v",
			attempt, publishAttempts, msg.MessageID, key, err)
	}

	return DeliveryHandle{}, NewErrorWithCause(ErrCodePublish,
		fmt.Sprintf("failed to send message %s to %s", msg.MessageID, key.topic), lastErr)
}

func sendOnce(ctx context.Context, sender Sender, msg *model.Message, at time.Time) (DeliveryHandle, error) {
	if at.IsZero() {
		if err := sender.Send(ctx, msg); err != nil {
			return DeliveryHandle{}, err
		}
		return DeliveryHandle{MessageID: msg.MessageID}, nil
	}

	seq, err := sender.Schedule(ctx, msg, at)
	if err != nil {
		return DeliveryHandle{}, err
	}
	return DeliveryHandle{
		MessageID:      msg.MessageID,
		Scheduled:      true,
		SequenceNumber: seq,
		ScheduledAt:    at,
	}, nil
}
