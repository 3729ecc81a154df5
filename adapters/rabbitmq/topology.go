package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coregx/topicbus/model"
)

const (
	exchangeKind   = "topic"
	bindingKey     = "#"
	delayPrefix    = "topicbus.delay."
	delayQueueIdle = 5 * time.Minute

	// Scheduled delays are rounded to this granularity so backoff clones share delay queues.
	delayGranularity = 100 * time.Millisecond
)

// Headers set on messages moved to a dead-letter queue by DeadLetter.
const (
	headerDeadLetterReason      = "topicbus-dead-letter-reason"
	headerDeadLetterDescription = "topicbus-dead-letter-description"
)

func queueName(topic, subscription string) string {
	return model.EntityPath(topic, subscription)
}

func deadLetterQueueName(topic, subscription string) string {
	return model.DeadLetterPath(topic, subscription)
}

// subscriptionQueueArgs declares a quorum queue that dead-letters into the
// subscription's DLQ through the default exchange.
func subscriptionQueueArgs(topic, subscription string, maxDeliveryCount int) amqp.Table {
	args := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadLetterQueueName(topic, subscription),
	}
	if maxDeliveryCount > 0 {
		args["x-delivery-limit"] = int64(maxDeliveryCount)
	}
	return args
}

// delayFor rounds the time left until at. A zero result means send now.
func delayFor(at, now time.Time) time.Duration {
	d := at.Sub(now).Round(delayGranularity)
	if d < delayGranularity {
		return 0
	}
	return d
}

func delayQueueName(topic string, delay time.Duration) string {
	return fmt.Sprintf("%s%s.%d", delayPrefix, topic, delay.Milliseconds())
}

// delayQueueArgs expires messages after delay into the topic exchange. Idle
// delay queues are removed by the broker.
func delayQueueArgs(topic string, delay time.Duration) amqp.Table {
	return amqp.Table{
		"x-message-ttl":          delay.Milliseconds(),
		"x-dead-letter-exchange": topic,
		"x-expires":              (delay + delayQueueIdle).Milliseconds(),
	}
}

func declareExchange(ch *amqp.Channel, topic string) error {
	if err := ch.ExchangeDeclare(topic, exchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", topic, err)
	}
	return nil
}

func declareSubscription(ch *amqp.Channel, topic, subscription string, maxDeliveryCount int) error {
	if err := declareExchange(ch, topic); err != nil {
		return err
	}

	dlq := deadLetterQueueName(topic, subscription)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}

	q := queueName(topic, subscription)
	if _, err := ch.QueueDeclare(q, true, false, false, false, subscriptionQueueArgs(topic, subscription, maxDeliveryCount)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q, err)
	}
	if err := ch.QueueBind(q, bindingKey, topic, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", q, topic, err)
	}
	return nil
}

func declareDelayQueue(ch *amqp.Channel, topic string, delay time.Duration) (string, error) {
	name := delayQueueName(topic, delay)
	if _, err := ch.QueueDeclare(name, true, false, false, false, delayQueueArgs(topic, delay)); err != nil {
		return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}
	return name, nil
}
