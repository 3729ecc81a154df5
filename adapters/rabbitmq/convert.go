package rabbitmq

import (
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coregx/topicbus/model"
)

// toHeaders converts application properties into an AMQP table. Ints are
// widened to int64 because the wire encoding of int is 32 bits.
func toHeaders(p model.Properties) amqp.Table {
	if len(p) == 0 {
		return nil
	}
	out := make(amqp.Table, len(p))
	for k, v := range p {
		switch n := v.(type) {
		case int:
			out[k] = int64(n)
		case uint:
			out[k] = int64(n)
		case uint16:
			out[k] = int32(n)
		case uint32:
			out[k] = int64(n)
		case uint64:
			out[k] = int64(n)
		default:
			out[k] = v
		}
	}
	return out
}

// fromHeaders returns the application properties in h. Broker headers
// ("x-" prefix) and adapter headers are dropped.
func fromHeaders(h amqp.Table) model.Properties {
	out := model.Properties{}
	for k, v := range h {
		if strings.HasPrefix(k, "x-") || strings.HasPrefix(k, "topicbus-") {
			continue
		}
		switch n := v.(type) {
		case int32:
			out[k] = int(n)
		case int64:
			out[k] = int(n)
		case int16:
			out[k] = int(n)
		case int8:
			out[k] = int(n)
		default:
			out[k] = v
		}
	}
	return out
}

func toPublishing(msg *model.Message, now time.Time) amqp.Publishing {
	return amqp.Publishing{
		Headers:       toHeaders(msg.Properties),
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     now,
		Type:          msg.Label,
		Body:          msg.Body,
	}
}

// deliveryCount prefers the quorum queue's x-delivery-count header, which
// counts previous deliveries.
func deliveryCount(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// deadLetterInfo reads the reason recorded by DeadLetter, or falls back to the
// broker's x-death record for messages dead-lettered by the delivery limit.
func deadLetterInfo(h amqp.Table) (model.DeadLetterReason, string) {
	if reason, ok := h[headerDeadLetterReason].(string); ok {
		description, _ := h[headerDeadLetterDescription].(string)
		return model.DeadLetterReason(reason), description
	}

	deaths, ok := h["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return "", ""
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return "", ""
	}
	reason, _ := death["reason"].(string)
	if reason == "delivery_limit" {
		return model.ReasonMaxDeliveryCountExceeded, "delivery limit reached in " + queueOf(death)
	}
	return model.DeadLetterReason(reason), ""
}

func queueOf(death amqp.Table) string {
	q, _ := death["queue"].(string)
	return q
}

func toReceived(d amqp.Delivery, topic, subscription, queue string) model.ReceivedMessage {
	rm := model.ReceivedMessage{
		Message: model.Message{
			Body:          d.Body,
			MessageID:     d.MessageId,
			CorrelationID: d.CorrelationId,
			Label:         d.Type,
			ContentType:   d.ContentType,
			Properties:    fromHeaders(d.Headers),
		},
		System: model.SystemProperties{
			MessageID:      d.MessageId,
			CorrelationID:  d.CorrelationId,
			EntityPath:     queue,
			EnqueuedAt:     d.Timestamp,
			DeliveryCount:  deliveryCount(d),
			SequenceNumber: int64(d.DeliveryTag),
		},
	}
	if queue == deadLetterQueueName(topic, subscription) {
		rm.System.DeadLetterReason, rm.System.DeadLetterDescription = deadLetterInfo(d.Headers)
	}
	return rm
}

// deadLetterPublishing copies d for the dead-letter queue and records why.
func deadLetterPublishing(d amqp.Delivery, reason model.DeadLetterReason, description string) amqp.Publishing {
	headers := make(amqp.Table, len(d.Headers)+2)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerDeadLetterReason] = string(reason)
	headers[headerDeadLetterDescription] = description

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	}
}
