package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

type sender struct {
	b     *Broker
	topic string
}

func (s *sender) Send(_ context.Context, msg *model.Message) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if _, err := s.b.enqueueLocked(s.topic, msg, time.Time{}); err != nil {
		return err
	}
	s.b.stats.Sent++
	return nil
}

func (s *sender) Schedule(_ context.Context, msg *model.Message, at time.Time) (int64, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	requested := time.Now()
	seq, err := s.b.enqueueLocked(s.topic, msg, at)
	if err != nil {
		return 0, err
	}
	s.b.stats.Scheduled++

	cp := *msg
	cp.Properties = msg.Properties.Clone()
	s.b.scheduled = append(s.b.scheduled, ScheduledMessage{
		Topic:          s.topic,
		SequenceNumber: seq,
		RequestedAt:    requested,
		At:             at,
		Message:        cp,
	})
	return seq, nil
}

func (s *sender) CancelScheduled(_ context.Context, sequenceNumber int64) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if s.b.closed {
		return ErrClosed
	}

	now := time.Now()
	removed := 0
	if t, ok := s.b.topics[s.topic]; ok {
		for _, sub := range t.subs {
			for _, e := range append([]*entry(nil), sub.active...) {
				if e.seq == sequenceNumber && e.visibleAt.After(now) {
					sub.remove(e)
					removed++
				}
			}
		}
	}

	for i := range s.b.scheduled {
		if s.b.scheduled[i].SequenceNumber == sequenceNumber {
			s.b.scheduled[i].Cancelled = true
		}
	}
	if removed == 0 {
		return topicbus.NewError(topicbus.ErrCodeNoData,
			fmt.Sprintf("no pending scheduled message with sequence number %d", sequenceNumber))
	}
	s.b.stats.Cancelled++
	return nil
}

func (s *sender) Close(_ context.Context) error {
	return nil
}
