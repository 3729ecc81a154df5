package topicbus_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/adapters/memory"
	"github.com/coregx/topicbus/model"
)

const waitFor = 3 * time.Second

func testConfig(eh *topicbus.ErrorHandlingConfig) topicbus.Config {
	return topicbus.Config{
		Publications: map[string]topicbus.PublicationConfig{
			"fire": {Topic: "fire", ContentType: "application/json"},
		},
		Subscriptions: map[string]topicbus.SubscriptionConfig{
			"assess": {Topic: "fire", Subscription: "assess", ErrorHandling: eh},
		},
	}
}

func newTestBus(t *testing.T, cfg topicbus.Config, opts ...topicbus.Option) (*topicbus.Bus, *memory.Broker) {
	t.Helper()
	broker := memory.New()
	opts = append([]topicbus.Option{
		topicbus.WithBroker(broker),
		topicbus.WithReceiveWait(50 * time.Millisecond),
	}, opts...)

	bus, err := topicbus.New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, bus.EnsureTopology(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	return bus, broker
}

func publish(t *testing.T, bus *topicbus.Bus, payload any, opts ...topicbus.PublishOption) topicbus.DeliveryHandle {
	t.Helper()
	fire, err := bus.Publish("fire")
	require.NoError(t, err)
	handle, err := fire(context.Background(), payload, opts...)
	require.NoError(t, err)
	return handle
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := topicbus.New(testConfig(nil))
	require.Error(t, err)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeConfiguration))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Subscriptions["broken"] = topicbus.SubscriptionConfig{Topic: "fire"}

	_, err := topicbus.New(cfg, topicbus.WithBroker(memory.New()))
	require.Error(t, err)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeValidation))
}

func TestPublish_UnknownPublicationFailsFast(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))

	fn, err := bus.Publish("missing")
	assert.Nil(t, fn)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeConfiguration))
}

func TestSubscribe_UnknownSubscriptionFailsFast(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))

	err := bus.Subscribe(nil)("missing", func(context.Context, *topicbus.Envelope) error { return nil })
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeConfiguration))
}

func TestPublish_Envelope(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))
	ctx := context.Background()

	handle := publish(t, bus, map[string]string{"shot": "1"},
		topicbus.WithLabel("shot"),
		topicbus.WithCorrelationID("corr-1"),
		topicbus.WithProperties(model.Properties{"tenant": "acme"}),
	)
	_, err := uuid.Parse(handle.MessageID)
	require.NoError(t, err, "message id defaults to a UUID")
	assert.False(t, handle.Scheduled)

	msgs, err := bus.PeekActive(ctx, "assess", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, handle.MessageID, m.MessageID)
	assert.Equal(t, "shot", m.Label)
	assert.Equal(t, "corr-1", m.CorrelationID)
	assert.Equal(t, "application/json", m.ContentType)
	assert.Equal(t, "default", m.Properties[model.PropContentEncoding])
	assert.Equal(t, 0, m.Properties[model.PropAttemptCount])
	assert.Equal(t, "acme", m.Properties["tenant"])
	assert.JSONEq(t, `{"shot":"1"}`, string(m.Body))
}

func TestPublish_CallerPropertiesWin(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))

	publish(t, bus, "x", topicbus.WithProperties(model.Properties{model.PropAttemptCount: 4}))

	msgs, err := bus.PeekActive(context.Background(), "assess", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 4, msgs[0].Properties[model.PropAttemptCount])
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))
	boom := errors.New("connection reset")

	broker.FailSends(2, boom)
	publish(t, bus, "ok")
	assert.Equal(t, 1, broker.Stats().Sent)

	broker.FailSends(3, boom)
	fire, err := bus.Publish("fire")
	require.NoError(t, err)
	_, err = fire(context.Background(), "lost")
	require.Error(t, err)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodePublish))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, broker.Stats().Sent)
}

func TestPublish_ScheduledAndCancelled(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	handle := publish(t, bus, "later", topicbus.WithScheduledEnqueueTime(at))
	assert.True(t, handle.Scheduled)
	assert.NotZero(t, handle.SequenceNumber)
	assert.Equal(t, 1, broker.ActiveCount("fire", "assess"))

	require.NoError(t, bus.CancelScheduled(ctx, "fire", handle))
	assert.Equal(t, 0, broker.ActiveCount("fire", "assess"))

	immediate := publish(t, bus, "now")
	err := bus.CancelScheduled(ctx, "fire", immediate)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeValidation))
}

func TestSubscribe_NoOpHandlerCompletesAll(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))

	var received atomic.Int32
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		received.Add(1)
		return nil
	}))

	for i := 0; i < 20; i++ {
		publish(t, bus, map[string]int{"shot": i})
	}

	require.Eventually(t, func() bool { return broker.Stats().Completed == 20 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(20), received.Load())
	assert.Equal(t, 0, broker.Stats().DeadLettered)
	assert.Equal(t, 0, broker.DeadLetterCount("fire", "assess"))
}

func TestSubscribe_SubscriptionNameFilter(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))

	var mu sync.Mutex
	var seen []string
	require.NoError(t, bus.Subscribe(nil)("assess", func(_ context.Context, env *topicbus.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(env.Body.([]byte)))
		return nil
	}))

	publish(t, bus, "for-other", topicbus.WithProperties(model.Properties{model.PropSubscriptionName: "other"}))
	publish(t, bus, "for-assess", topicbus.WithProperties(model.Properties{model.PropSubscriptionName: "assess"}))
	publish(t, bus, "for-anyone")

	require.Eventually(t, func() bool { return broker.Stats().Completed == 3 }, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"for-assess", "for-anyone"}, seen)
}

func TestStrategy_RetryAbandonsUntilSuccess(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "retry"}))

	const failures = 3
	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		if calls.Add(1) <= failures {
			return errors.New("not yet")
		}
		return nil
	}))

	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.Stats().Completed == 1 }, waitFor, 5*time.Millisecond)
	stats := broker.Stats()
	assert.Equal(t, failures, stats.Abandoned)
	assert.Equal(t, 0, stats.DeadLettered)
	assert.Equal(t, int32(failures+1), calls.Load())
}

func TestStrategy_RetryHonorsMaxDeliveryCount(t *testing.T) {
	cfg := testConfig(nil)
	sub := cfg.Subscriptions["assess"]
	sub.MaxDeliveryCount = 2
	cfg.Subscriptions["assess"] = sub
	bus, broker := newTestBus(t, cfg)

	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		return errors.New("always")
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.DeadLetterCount("fire", "assess") == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, broker.Stats().Abandoned)

	dead, err := bus.PeekDLQ(context.Background(), "assess", 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, model.ReasonMaxDeliveryCountExceeded, dead[0].System.DeadLetterReason)
}

func TestStrategy_DeadLetter(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "deadLetter"}))

	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		return errors.New("critical")
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.Stats().DeadLettered == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, broker.Stats().Abandoned)

	dead, err := bus.PeekDLQ(context.Background(), "assess", 5)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, model.ReasonHandlerFailure, dead[0].System.DeadLetterReason)
	assert.Equal(t, "critical", dead[0].System.DeadLetterDescription)
}

func TestStrategy_ErrorAttachedStrategyWins(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "retry"}))

	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		return topicbus.WithStrategy(errors.New("poison"), topicbus.StrategyDeadLetter)
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.Stats().DeadLettered == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, broker.Stats().Abandoned)
}

func TestStrategy_UnknownNameFallsBackToRetry(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "teleport"}))

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		if calls.Add(1) == 1 {
			return errors.New("once")
		}
		return nil
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.Stats().Completed == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, broker.Stats().Abandoned)
}

func TestStrategy_ExponentialBackoffReschedulesThenDeadLetters(t *testing.T) {
	const attempts = 4
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{
		Strategy: "exponentialBackoff",
		Options:  &topicbus.BackoffOptions{Measure: "milliseconds", Attempts: attempts},
	}))

	var mu sync.Mutex
	var seen []int
	require.NoError(t, bus.Subscribe(nil)("assess", func(_ context.Context, env *topicbus.Envelope) error {
		mu.Lock()
		seen = append(seen, env.Attempt())
		mu.Unlock()
		return errors.New("always")
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.DeadLetterCount("fire", "assess") == 1 }, waitFor, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
	mu.Unlock()

	scheduled := broker.Scheduled()
	require.Len(t, scheduled, attempts-1)
	for i, s := range scheduled {
		assert.Equal(t, i+1, s.Message.Properties[model.PropAttemptCount])
		assert.False(t, s.Cancelled)
	}

	stats := broker.Stats()
	assert.Equal(t, attempts-1, stats.Completed, "each original is completed once its clone is scheduled")
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 0, stats.Abandoned)

	dead, err := bus.PeekDLQ(context.Background(), "assess", 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, model.ReasonMaxAttemptsExceeded, dead[0].System.DeadLetterReason)
}

func TestStrategy_ExponentialBackoffSparesSiblingSubscriptions(t *testing.T) {
	cfg := testConfig(&topicbus.ErrorHandlingConfig{
		Strategy: "exponentialBackoff",
		Options:  &topicbus.BackoffOptions{Measure: "milliseconds", Attempts: 3},
	})
	cfg.Subscriptions["audit"] = topicbus.SubscriptionConfig{Topic: "fire", Subscription: "audit"}
	bus, broker := newTestBus(t, cfg)

	var assessCalls, auditCalls atomic.Int32
	subscribe := bus.Subscribe(nil)
	require.NoError(t, subscribe("assess", func(context.Context, *topicbus.Envelope) error {
		assessCalls.Add(1)
		return errors.New("always")
	}))
	require.NoError(t, subscribe("audit", func(context.Context, *topicbus.Envelope) error {
		auditCalls.Add(1)
		return nil
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.DeadLetterCount("fire", "assess") == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return broker.ActiveCount("fire", "audit") == 0 }, waitFor, 5*time.Millisecond)

	assert.Equal(t, int32(3), assessCalls.Load())
	assert.Equal(t, int32(1), auditCalls.Load(), "rescheduled copies are not handled again by audit")
	assert.Equal(t, 0, broker.DeadLetterCount("fire", "audit"))
}

func TestStrategy_ExponentialBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		delay   time.Duration
	}{
		{"First failure waits one measure", 0, time.Minute},
		{"Second failure doubles", 1, 2 * time.Minute},
		{"Third failure quadruples", 2, 4 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{
				Strategy: "exponentialBackoff",
				Options:  &topicbus.BackoffOptions{Measure: "minutes", Attempts: 10},
			}))
			require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
				return errors.New("always")
			}))

			publish(t, bus, "payload", topicbus.WithProperties(model.Properties{model.PropAttemptCount: tt.attempt}))

			require.Eventually(t, func() bool { return len(broker.Scheduled()) == 1 }, waitFor, 5*time.Millisecond)
			s := broker.Scheduled()[0]
			assert.InDelta(t, float64(tt.delay), float64(s.At.Sub(s.RequestedAt)), float64(time.Second))
			assert.Equal(t, tt.attempt+1, s.Message.Properties[model.PropAttemptCount])
		})
	}
}

func TestStrategy_ExponentialBackoffDefaultsToMinutes(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "exponentialBackoff"}))
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		return errors.New("always")
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return len(broker.Scheduled()) == 1 }, waitFor, 5*time.Millisecond)
	s := broker.Scheduled()[0]
	assert.InDelta(t, float64(time.Minute), float64(s.At.Sub(s.RequestedAt)), float64(time.Second))
}

func TestStrategy_RescheduleFailureKeepsOriginal(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{
		Strategy: "exponentialBackoff",
		Options:  &topicbus.BackoffOptions{Measure: "minutes", Attempts: 5},
	}))
	publish(t, bus, "payload")
	broker.FailSends(3, errors.New("send failed"))

	sink := &errorSink{}
	require.NoError(t, bus.Subscribe(sink.record)("assess", func(context.Context, *topicbus.Envelope) error {
		return errors.New("always")
	}))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, waitFor, 5*time.Millisecond)
	err := sink.all()[0]
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeStrategy))
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodePublish))

	stats := broker.Stats()
	assert.Equal(t, 0, stats.Completed, "the original must not be completed without a scheduled successor")
	assert.Equal(t, 0, stats.Scheduled)
	assert.Equal(t, 1, broker.ActiveCount("fire", "assess"))
}

func TestStrategy_CompleteFailureCancelsClone(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{
		Strategy: "exponentialBackoff",
		Options:  &topicbus.BackoffOptions{Measure: "minutes", Attempts: 5},
	}))
	publish(t, bus, "payload")
	broker.FailCompletes(1, errors.New("lock lost"))

	sink := &errorSink{}
	require.NoError(t, bus.Subscribe(sink.record)("assess", func(context.Context, *topicbus.Envelope) error {
		return errors.New("always")
	}))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, topicbus.HasCode(sink.all()[0], topicbus.ErrCodeStrategy))

	scheduled := broker.Scheduled()
	require.Len(t, scheduled, 1)
	assert.True(t, scheduled[0].Cancelled)
	assert.Equal(t, 1, broker.ActiveCount("fire", "assess"), "only the locked original remains")
}

func TestDispatcher_DecodeFailureUsesStrategy(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "deadLetter"}))
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		calls.Add(1)
		return nil
	}))

	s, err := broker.NewSender(ctx, "fire")
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, &model.Message{
		Body:      []byte("not zlib at all"),
		MessageID: "corrupt",
		Properties: model.Properties{
			model.PropContentEncoding: "zlib",
			model.PropAttemptCount:    0,
		},
	}))

	require.Eventually(t, func() bool { return broker.DeadLetterCount("fire", "assess") == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	dead, err := bus.PeekDLQ(ctx, "assess", 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].System.DeadLetterDescription, topicbus.ErrCodeDecode)
}

func TestDispatcher_PanicIsHandlerFailure(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(&topicbus.ErrorHandlingConfig{Strategy: "deadLetter"}))

	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		panic("handler bug")
	}))
	publish(t, bus, "payload")

	require.Eventually(t, func() bool { return broker.Stats().DeadLettered == 1 }, waitFor, 5*time.Millisecond)
	dead, err := bus.PeekDLQ(context.Background(), "assess", 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].System.DeadLetterDescription, "handler bug")
}

func TestDispatcher_ZlibPayload(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))

	type shot struct {
		ID    string `json:"id"`
		Power int    `json:"power"`
	}

	got := make(chan shot, 1)
	bodies := make(chan any, 1)
	require.NoError(t, bus.Subscribe(nil)("assess", func(_ context.Context, env *topicbus.Envelope) error {
		var s shot
		if err := env.Bind(&s); err != nil {
			return err
		}
		bodies <- env.Body
		got <- s
		return nil
	}))

	publish(t, bus, shot{ID: "s-1", Power: 9000}, topicbus.WithContentEncoding("zlib"))

	select {
	case s := <-got:
		assert.Equal(t, shot{ID: "s-1", Power: 9000}, s)
	case <-time.After(waitFor):
		t.Fatal("handler was not called")
	}
	assert.Equal(t, map[string]any{"id": "s-1", "power": float64(9000)}, <-bodies)
	require.Eventually(t, func() bool { return broker.Stats().Completed == 1 }, waitFor, 5*time.Millisecond)
}

func TestDispatcher_InFlightNeverNegative(t *testing.T) {
	cfg := testConfig(nil)
	sub := cfg.Subscriptions["assess"]
	sub.MaxConcurrent = 8
	cfg.Subscriptions["assess"] = sub
	bus, broker := newTestBus(t, cfg)

	const total = 100
	var minSeen atomic.Int32
	minSeen.Store(1 << 20)
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		n := int32(bus.InFlight())
		for {
			cur := minSeen.Load()
			if n >= cur || minSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(2000)) * time.Microsecond)
		if rand.Intn(2) == 0 {
			return topicbus.WithStrategy(errors.New("random"), topicbus.StrategyDeadLetter)
		}
		return nil
	}))

	for i := 0; i < total; i++ {
		publish(t, bus, i)
	}

	require.Eventually(t, func() bool {
		s := broker.Stats()
		return s.Completed+s.DeadLettered == total
	}, 10*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bus.InFlight() == 0 }, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, minSeen.Load(), int32(1), "a running handler is always counted")
}

func fillDLQ(t *testing.T, broker *memory.Broker, n int) {
	t.Helper()
	ctx := context.Background()
	s, err := broker.NewSender(ctx, "fire")
	require.NoError(t, err)
	r, err := broker.NewReceiver(ctx, "fire", "assess", topicbus.ReceiverOptions{})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, s.Send(ctx, &model.Message{Body: []byte("dead"), MessageID: uuid.NewString()}))
	}
	for moved := 0; moved < n; {
		ds, err := r.Receive(ctx, n, 50*time.Millisecond)
		require.NoError(t, err)
		for _, d := range ds {
			require.NoError(t, d.DeadLetter(ctx, model.ReasonHandlerFailure, "test"))
			moved++
		}
	}
	require.Equal(t, n, broker.DeadLetterCount("fire", "assess"))
}

func TestDLQ_EmptyAll(t *testing.T) {
	for _, n := range []int{0, 7, 50, 120} {
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			bus, broker := newTestBus(t, testConfig(nil))
			fillDLQ(t, broker, n)

			removed, err := bus.EmptyDLQ(context.Background(), "assess")
			require.NoError(t, err)
			assert.Equal(t, n, removed)
			assert.Equal(t, 0, broker.DeadLetterCount("fire", "assess"))
		})
	}
}

func TestDLQ_PeekDoesNotRemove(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))
	fillDLQ(t, broker, 3)
	ctx := context.Background()

	msgs, err := bus.PeekDLQ(ctx, "assess", 2)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = bus.PeekDLQ(ctx, "assess", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "non-positive count peeks a single message")
	assert.Equal(t, 3, broker.DeadLetterCount("fire", "assess"))
}

func TestDLQ_PeekEmpty(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))

	msgs, err := bus.PeekDLQ(context.Background(), "assess", 10)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestDLQ_ProcessAll(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))
	fillDLQ(t, broker, 5)

	processed, err := bus.ProcessDLQ(context.Background(), "assess", func(ctx context.Context, d topicbus.Delivery) error {
		return d.Complete(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, 5, processed)
	assert.Equal(t, 0, broker.DeadLetterCount("fire", "assess"))
}

func TestDLQ_ProcessAllStopsOnHandlerError(t *testing.T) {
	bus, broker := newTestBus(t, testConfig(nil))
	fillDLQ(t, broker, 5)
	stop := errors.New("stop here")

	var calls int
	processed, err := bus.ProcessDLQ(context.Background(), "assess", func(ctx context.Context, d topicbus.Delivery) error {
		calls++
		if calls == 3 {
			return stop
		}
		return d.Complete(ctx)
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 3, broker.DeadLetterCount("fire", "assess"))
}

func TestDLQ_UnknownSubscription(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))

	_, err := bus.EmptyDLQ(context.Background(), "missing")
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeConfiguration))
}

func TestHealth(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Subscriptions["audit"] = topicbus.SubscriptionConfig{Topic: "fire", Subscription: "audit"}
	bus, broker := newTestBus(t, cfg)
	ctx := context.Background()

	status := bus.Health(ctx)
	assert.Equal(t, topicbus.HealthStatus{Status: topicbus.HealthOK}, status)
	assert.True(t, status.Healthy())

	broker.FailPeeks(errors.New("unreachable"))
	status = bus.Health(ctx)
	assert.Equal(t, topicbus.HealthError, status.Status)
	assert.Contains(t, status.Details, "unreachable")
	assert.False(t, status.Healthy())
}

// checkingBroker adds a SubscriptionChecker to the memory broker.
type checkingBroker struct {
	*memory.Broker

	mu      sync.Mutex
	checked []string
	err     error
}

func (p *checkingBroker) CheckSubscription(_ context.Context, topic, subscription string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, model.EntityPath(topic, subscription))
	return p.err
}

func (p *checkingBroker) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.checked...)
}

func TestHealth_PrefersSubscriptionChecker(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Subscriptions["audit"] = topicbus.SubscriptionConfig{Topic: "fire", Subscription: "audit"}
	broker := &checkingBroker{Broker: memory.New()}
	bus, err := topicbus.New(cfg, topicbus.WithBroker(broker))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })
	ctx := context.Background()
	require.NoError(t, bus.EnsureTopology(ctx))

	// Peeks would fail; the checker is used instead.
	broker.FailPeeks(errors.New("peek used"))
	status := bus.Health(ctx)
	assert.True(t, status.Healthy(), status.Details)
	assert.ElementsMatch(t, []string{"fire/Subscriptions/assess", "fire/Subscriptions/audit"}, broker.calls())

	broker.mu.Lock()
	broker.err = errors.New("queue not found")
	broker.mu.Unlock()
	status = bus.Health(ctx)
	assert.Equal(t, topicbus.HealthError, status.Status)
	assert.Contains(t, status.Details, "queue not found")
	assert.Contains(t, status.Details, "fire/Subscriptions/")
}

// slowReceiverBroker holds NewReceiver until released.
type slowReceiverBroker struct {
	*memory.Broker
	entered chan struct{}
	release chan struct{}
}

func (s *slowReceiverBroker) NewReceiver(ctx context.Context, topic, subscription string, opts topicbus.ReceiverOptions) (topicbus.Receiver, error) {
	r, err := s.Broker.NewReceiver(ctx, topic, subscription, opts)
	close(s.entered)
	<-s.release
	return r, err
}

func TestSubscribe_SlowBrokerDoesNotBlockStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := &slowReceiverBroker{
		Broker:  memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	bus, err := topicbus.New(testConfig(nil), topicbus.WithBroker(broker))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		result <- bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error { return nil })
	}()
	<-broker.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	close(broker.release)
	assert.ErrorIs(t, <-result, topicbus.ErrBusStopped)
}

func TestStop_DrainsInFlightHandlers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := memory.New()
	bus, err := topicbus.New(testConfig(nil), topicbus.WithBroker(broker))
	require.NoError(t, err)
	require.NoError(t, bus.EnsureTopology(context.Background()))

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	publish(t, bus, "slow")

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("handler was not called")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- bus.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, bus.InFlight())

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return after the handler finished")
	}

	assert.Equal(t, 0, bus.InFlight())
	assert.Equal(t, 1, broker.Stats().Completed)
}

func TestStop_TimeoutCancelsHandlers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broker := memory.New()
	bus, err := topicbus.New(testConfig(nil), topicbus.WithBroker(broker))
	require.NoError(t, err)
	require.NoError(t, bus.EnsureTopology(context.Background()))

	started := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe(nil)("assess", func(ctx context.Context, _ *topicbus.Envelope) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
	publish(t, bus, "stuck")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = bus.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, bus.InFlight())
}

func TestStop_IsIdempotentAndRejectsNewWork(t *testing.T) {
	bus, _ := newTestBus(t, testConfig(nil))
	ctx := context.Background()

	fire, err := bus.Publish("fire")
	require.NoError(t, err)

	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))

	_, err = fire(ctx, "late")
	assert.ErrorIs(t, err, topicbus.ErrBusStopped)

	err = bus.Subscribe(nil)("assess", func(context.Context, *topicbus.Envelope) error { return nil })
	assert.ErrorIs(t, err, topicbus.ErrBusStopped)

	_, err = bus.PeekDLQ(ctx, "assess", 1)
	assert.ErrorIs(t, err, topicbus.ErrBusStopped)
}
