package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("memory broker closed")

const (
	defaultLockDuration = 30 * time.Second
	defaultPollInterval = 2 * time.Millisecond
)

// Stats counts settlement and send events since the broker was created.
type Stats struct {
	Sent         int
	Scheduled    int
	Cancelled    int
	Completed    int
	Abandoned    int
	DeadLettered int
}

// ScheduledMessage records a Schedule call.
type ScheduledMessage struct {
	Topic          string
	SequenceNumber int64
	RequestedAt    time.Time
	At             time.Time
	Message        model.Message
	Cancelled      bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithLockDuration sets how long a peek-lock is held before the message
// becomes receivable again. Default is 30 seconds.
func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.lockDuration = d
		}
	}
}

// WithMaxDeliveryCount dead-letters messages on abandon once their delivery
// count reaches n. Zero disables it.
func WithMaxDeliveryCount(n int) Option {
	return func(b *Broker) {
		b.maxDeliveryCount = n
	}
}

// WithPollInterval sets how often receive loops look for new messages.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// Broker is an in-memory topicbus.Broker. Safe for concurrent use.
type Broker struct {
	lockDuration     time.Duration
	maxDeliveryCount int
	pollInterval     time.Duration

	mu        sync.Mutex
	topics    map[string]*topic
	seq       int64
	closed    bool
	stats     Stats
	scheduled []ScheduledMessage

	sendFailures     int
	sendErr          error
	completeFailures int
	completeErr      error
	peekErr          error
}

type topic struct {
	subs map[string]*subscription
}

type subscription struct {
	path   string
	active []*entry
	dead   []*entry
}

type entry struct {
	msg           model.Message
	seq           int64
	enqueuedAt    time.Time
	visibleAt     time.Time
	deliveryCount int
	lockToken     string
	lockedUntil   time.Time
	dead          bool
	reason        model.DeadLetterReason
	description   string
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		lockDuration: defaultLockDuration,
		pollInterval: defaultPollInterval,
		topics:       make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnsureSubscription implements topicbus.Provisioner.
func (b *Broker) EnsureSubscription(_ context.Context, topicName, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subscriptionLocked(topicName, name)
	return nil
}

// NewSender implements topicbus.Broker.
func (b *Broker) NewSender(_ context.Context, topicName string) (topicbus.Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.topics[topicName]; !ok {
		b.topics[topicName] = &topic{subs: make(map[string]*subscription)}
	}
	return &sender{b: b, topic: topicName}, nil
}

// NewReceiver implements topicbus.Broker. The subscription is created if missing.
func (b *Broker) NewReceiver(_ context.Context, topicName, name string, opts topicbus.ReceiverOptions) (topicbus.Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := b.subscriptionLocked(topicName, name)
	return &receiver{b: b, sub: sub, opts: opts}, nil
}

// Close implements topicbus.Broker.
func (b *Broker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Stats returns a snapshot of the event counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Scheduled returns every Schedule call in order.
func (b *Broker) Scheduled() []ScheduledMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ScheduledMessage, len(b.scheduled))
	copy(out, b.scheduled)
	return out
}

// ActiveCount returns the number of messages in a subscription's active
// sub-queue, including locked and not yet visible ones.
func (b *Broker) ActiveCount(topicName, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub := b.lookupLocked(topicName, name); sub != nil {
		return len(sub.active)
	}
	return 0
}

// DeadLetterCount returns the number of messages in a subscription's dead-letter sub-queue.
func (b *Broker) DeadLetterCount(topicName, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub := b.lookupLocked(topicName, name); sub != nil {
		return len(sub.dead)
	}
	return 0
}

// FailSends makes the next n Send or Schedule calls return err.
func (b *Broker) FailSends(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFailures = n
	b.sendErr = err
}

// FailCompletes makes the next n Complete calls return err.
func (b *Broker) FailCompletes(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completeFailures = n
	b.completeErr = err
}

// FailPeeks makes every Peek return err until called again with nil.
func (b *Broker) FailPeeks(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peekErr = err
}

func (b *Broker) subscriptionLocked(topicName, name string) *subscription {
	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[string]*subscription)}
		b.topics[topicName] = t
	}
	sub, ok := t.subs[name]
	if !ok {
		sub = &subscription{path: model.EntityPath(topicName, name)}
		t.subs[name] = sub
	}
	return sub
}

func (b *Broker) lookupLocked(topicName, name string) *subscription {
	t, ok := b.topics[topicName]
	if !ok {
		return nil
	}
	return t.subs[name]
}

// enqueueLocked fans msg out to every subscription of the topic.
func (b *Broker) enqueueLocked(topicName string, msg *model.Message, visibleAt time.Time) (int64, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.sendFailures > 0 {
		b.sendFailures--
		return 0, b.sendErr
	}

	b.seq++
	now := time.Now()
	if t, ok := b.topics[topicName]; ok {
		for _, sub := range t.subs {
			cp := *msg
			cp.Body = append([]byte(nil), msg.Body...)
			cp.Properties = msg.Properties.Clone()
			sub.active = append(sub.active, &entry{
				msg:        cp,
				seq:        b.seq,
				enqueuedAt: now,
				visibleAt:  visibleAt,
			})
		}
	}
	return b.seq, nil
}

// claimLocked locks up to max receivable entries of the chosen sub-queue.
func (b *Broker) claimLocked(sub *subscription, opts topicbus.ReceiverOptions, max int) []*delivery {
	now := time.Now()
	queue := sub.active
	if opts.SubQueue == topicbus.SubQueueDeadLetter {
		queue = sub.dead
	}

	var out []*delivery
	for _, e := range queue {
		if len(out) == max {
			break
		}
		if e.visibleAt.After(now) || e.lockedUntil.After(now) {
			continue
		}
		e.deliveryCount++
		e.lockToken = uuid.NewString()
		e.lockedUntil = now.Add(b.lockDuration)
		out = append(out, &delivery{
			b:        b,
			sub:      sub,
			e:        e,
			token:    e.lockToken,
			snapshot: snapshot(sub, e),
			mode:     opts.Mode,
		})
	}

	if opts.Mode == topicbus.ReceiveAndDelete {
		for _, d := range out {
			sub.remove(d.e)
		}
	}
	return out
}

func (b *Broker) peekLocked(sub *subscription, subQueue topicbus.SubQueue, max int) []model.ReceivedMessage {
	queue := sub.active
	if subQueue == topicbus.SubQueueDeadLetter {
		queue = sub.dead
	}

	sorted := make([]*entry, len(queue))
	copy(sorted, queue)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })

	out := make([]model.ReceivedMessage, 0, max)
	for _, e := range sorted {
		if len(out) == max {
			break
		}
		rm := snapshot(sub, e)
		rm.System.LockToken = ""
		out = append(out, rm)
	}
	return out
}

func snapshot(sub *subscription, e *entry) model.ReceivedMessage {
	msg := e.msg
	msg.Body = append([]byte(nil), e.msg.Body...)
	msg.Properties = e.msg.Properties.Clone()

	path := sub.path
	if e.dead {
		path = path + "/$DeadLetterQueue"
	}
	return model.ReceivedMessage{
		Message: msg,
		System: model.SystemProperties{
			MessageID:             e.msg.MessageID,
			CorrelationID:         e.msg.CorrelationID,
			EntityPath:            path,
			EnqueuedAt:            e.enqueuedAt,
			DeliveryCount:         e.deliveryCount,
			LockToken:             e.lockToken,
			SequenceNumber:        e.seq,
			DeadLetterReason:      e.reason,
			DeadLetterDescription: e.description,
		},
	}
}

func (s *subscription) remove(e *entry) {
	list := &s.active
	if e.dead {
		list = &s.dead
	}
	for i, x := range *list {
		if x == e {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (s *subscription) moveToDead(e *entry, reason model.DeadLetterReason, description string) {
	s.remove(e)
	e.dead = true
	e.reason = reason
	e.description = description
	e.lockToken = ""
	e.lockedUntil = time.Time{}
	s.dead = append(s.dead, e)
}
