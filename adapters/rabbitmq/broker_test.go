package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/topicbus"
)

func TestNewBroker_Defaults(t *testing.T) {
	b, err := newBroker()
	require.NoError(t, err)

	assert.Equal(t, defaultConfirmTimeout, b.confirmTimeout)
	assert.Equal(t, defaultPollInterval, b.pollInterval)
	assert.Equal(t, 0, b.maxDeliveryCount)
	assert.NotNil(t, b.logger)
	assert.NotNil(t, b.publisher)
}

func TestNewBroker_Options(t *testing.T) {
	logger := &topicbus.NoopLogger{}
	b, err := newBroker(
		WithMaxDeliveryCount(5),
		WithConfirmTimeout(time.Second),
		WithPollInterval(10*time.Millisecond),
		WithLogger(logger),
	)
	require.NoError(t, err)

	assert.Equal(t, 5, b.maxDeliveryCount)
	assert.Equal(t, time.Second, b.confirmTimeout)
	assert.Equal(t, time.Second, b.publisher.timeout)
	assert.Equal(t, 10*time.Millisecond, b.pollInterval)
	assert.Same(t, logger, b.logger)
}

func TestNewBroker_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "Negative max delivery count", opt: WithMaxDeliveryCount(-1)},
		{name: "Zero confirm timeout", opt: WithConfirmTimeout(0)},
		{name: "Negative poll interval", opt: WithPollInterval(-time.Second)},
		{name: "Nil logger", opt: WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newBroker(tt.opt)
			require.Error(t, err)
			assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeConfiguration))
		})
	}
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeConfiguration))
}

func TestBroker_NotConnected(t *testing.T) {
	b, err := newBroker()
	require.NoError(t, err)

	_, err = b.NewSender(t.Context(), "orders")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.NewReceiver(t.Context(), "orders", "billing", topicbus.ReceiverOptions{})
	assert.Error(t, err)

	assert.ErrorIs(t, b.EnsureSubscription(t.Context(), "orders", "billing"), ErrClosed)
	assert.ErrorIs(t, b.CheckSubscription(t.Context(), "orders", "billing"), ErrClosed)
	require.NoError(t, b.Close(t.Context()))
	require.NoError(t, b.Close(t.Context()))
}

func TestBroker_ImplementsSubscriptionChecker(t *testing.T) {
	var broker topicbus.Broker = &Broker{}
	_, ok := broker.(topicbus.SubscriptionChecker)
	assert.True(t, ok)
}

func TestSender_CancelScheduledNotSupported(t *testing.T) {
	s := &sender{topic: "orders"}
	assert.ErrorIs(t, s.CancelScheduled(t.Context(), 1), topicbus.ErrNotSupported)
}
