package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "orders/Subscriptions/billing", queueName("orders", "billing"))
	assert.Equal(t, "orders/Subscriptions/billing/$DeadLetterQueue", deadLetterQueueName("orders", "billing"))
	assert.Equal(t, "topicbus.delay.orders.60000", delayQueueName("orders", time.Minute))
}

func TestSubscriptionQueueArgs(t *testing.T) {
	args := subscriptionQueueArgs("orders", "billing", 0)
	assert.Equal(t, "quorum", args["x-queue-type"])
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "orders/Subscriptions/billing/$DeadLetterQueue", args["x-dead-letter-routing-key"])
	_, ok := args["x-delivery-limit"]
	assert.False(t, ok)

	limited := subscriptionQueueArgs("orders", "billing", 5)
	assert.Equal(t, int64(5), limited["x-delivery-limit"])
	require.NoError(t, limited.Validate())
}

func TestDelayQueueArgs(t *testing.T) {
	args := delayQueueArgs("orders", 2*time.Second)
	assert.Equal(t, int64(2000), args["x-message-ttl"])
	assert.Equal(t, "orders", args["x-dead-letter-exchange"])
	assert.Equal(t, int64(302000), args["x-expires"])
	require.NoError(t, args.Validate())
}

func TestDelayFor(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		at       time.Time
		expected time.Duration
	}{
		{name: "Past", at: now.Add(-time.Second), expected: 0},
		{name: "Now", at: now, expected: 0},
		{name: "Below granularity", at: now.Add(40 * time.Millisecond), expected: 0},
		{name: "Rounded up", at: now.Add(4*time.Minute - 30*time.Millisecond), expected: 4 * time.Minute},
		{name: "Rounded down", at: now.Add(time.Second + 20*time.Millisecond), expected: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, delayFor(tt.at, now))
		})
	}
}
