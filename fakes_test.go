package topicbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coregx/topicbus/model"
)

// fakeBroker hands out fakeSenders and counts how often each topic was opened.
type fakeBroker struct {
	mu        sync.Mutex
	opened    map[string]int
	senders   []*fakeSender
	newErr    error
	sendErr   error
	closed    bool
	createGap time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{opened: make(map[string]int)}
}

func (b *fakeBroker) NewSender(_ context.Context, topic string) (Sender, error) {
	if b.createGap > 0 {
		time.Sleep(b.createGap)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.newErr != nil {
		return nil, b.newErr
	}
	b.opened[topic]++
	s := &fakeSender{topic: topic, err: b.sendErr}
	b.senders = append(b.senders, s)
	return s, nil
}

func (b *fakeBroker) NewReceiver(context.Context, string, string, ReceiverOptions) (Receiver, error) {
	return nil, ErrNotSupported
}

func (b *fakeBroker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type scheduledSend struct {
	msg model.Message
	at  time.Time
	seq int64
}

type fakeSender struct {
	topic string
	err   error

	mu        sync.Mutex
	sent      []model.Message
	scheduled []scheduledSend
	cancelled []int64
	closes    int
	seq       int64
}

func (s *fakeSender) Send(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, *msg)
	return nil
}

func (s *fakeSender) Schedule(_ context.Context, msg *model.Message, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.seq++
	s.scheduled = append(s.scheduled, scheduledSend{msg: *msg, at: at, seq: s.seq})
	return s.seq, nil
}

func (s *fakeSender) CancelScheduled(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, seq)
	return nil
}

func (s *fakeSender) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// fakeDelivery records the terminal actions issued against it.
type fakeDelivery struct {
	rm          model.ReceivedMessage
	completeErr error

	actions     []string
	reason      model.DeadLetterReason
	description string
}

func (d *fakeDelivery) Message() model.ReceivedMessage { return d.rm }

func (d *fakeDelivery) Complete(context.Context) error {
	if d.completeErr != nil {
		return d.completeErr
	}
	d.actions = append(d.actions, "complete")
	return nil
}

func (d *fakeDelivery) Abandon(context.Context) error {
	d.actions = append(d.actions, "abandon")
	return nil
}

func (d *fakeDelivery) DeadLetter(_ context.Context, reason model.DeadLetterReason, description string) error {
	d.actions = append(d.actions, "deadLetter")
	d.reason = reason
	d.description = description
	return nil
}

var errHandler = errors.New("handler failed")
