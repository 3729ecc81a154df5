// Package model contains the message envelope types shared by the bus and its broker adapters.
package model

import (
	"fmt"
	"time"
)

// Well-known application property keys.
const (
	// PropContentEncoding names the body encoding ("default", "zlib").
	PropContentEncoding = "contentEncoding"

	// PropAttemptCount carries the application-level delivery attempt counter.
	PropAttemptCount = "attemptCount"

	// PropSubscriptionName routes a message to a single logical subscription
	// when several share one physical topic/subscription pair.
	PropSubscriptionName = "subscriptionName"
)

// Properties holds application-controlled metadata. Values are scalars
// (strings, numbers, booleans).
type Properties map[string]any

// Clone returns a copy of the map. The copy is never nil.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value for key formatted as a string, or "" if absent.
func (p Properties) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Message is the sendable form of an envelope. It has no lock and no terminal actions.
type Message struct {
	Body          []byte     `json:"body"`
	MessageID     string     `json:"messageId,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Label         string     `json:"label,omitempty"`
	ContentType   string     `json:"contentType,omitempty"`
	Properties    Properties `json:"properties,omitempty"`
}

// ContentEncoding returns the declared body encoding.
func (m *Message) ContentEncoding() string {
	return m.Properties.String(PropContentEncoding)
}

// DeadLetterReason explains why a message was moved to the dead-letter sub-queue.
type DeadLetterReason string

const (
	// ReasonHandlerFailure is used by the deadLetter strategy.
	ReasonHandlerFailure DeadLetterReason = "HandlerFailure"

	// ReasonMaxAttemptsExceeded is used when exponential backoff runs out of attempts.
	ReasonMaxAttemptsExceeded DeadLetterReason = "MaxAttemptsExceeded"

	// ReasonMaxDeliveryCountExceeded is used when the delivery count limit is hit.
	ReasonMaxDeliveryCountExceeded DeadLetterReason = "MaxDeliveryCountExceeded"
)

// SystemProperties are assigned by the broker and never mutated by the bus.
type SystemProperties struct {
	MessageID             string           `json:"messageId"`
	CorrelationID         string           `json:"correlationId,omitempty"`
	EntityPath            string           `json:"entityPath"`
	EnqueuedAt            time.Time        `json:"enqueuedAt"`
	DeliveryCount         int              `json:"deliveryCount"`
	LockToken             string           `json:"lockToken,omitempty"`
	SequenceNumber        int64            `json:"sequenceNumber"`
	DeadLetterReason      DeadLetterReason `json:"deadLetterReason,omitempty"`
	DeadLetterDescription string           `json:"deadLetterDescription,omitempty"`
}

// ReceivedMessage is a read-only snapshot of a message as delivered by the broker.
type ReceivedMessage struct {
	Message
	System SystemProperties `json:"system"`
}

// EntityPath returns the broker address of a subscription's active sub-queue.
func EntityPath(topic, subscription string) string {
	return topic + "/Subscriptions/" + subscription
}

// DeadLetterPath returns the broker address of a subscription's dead-letter sub-queue.
func DeadLetterPath(topic, subscription string) string {
	return EntityPath(topic, subscription) + "/$DeadLetterQueue"
}
