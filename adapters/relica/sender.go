package relica

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

func (s *sender) Send(ctx context.Context, msg *model.Message) error {
	if err := s.b.checkOpen(); err != nil {
		return err
	}
	_, err := s.b.store.enqueue(ctx, s.topic, msg, time.Time{})
	return err
}

func (s *sender) Schedule(ctx context.Context, msg *model.Message, at time.Time) (int64, error) {
	if err := s.b.checkOpen(); err != nil {
		return 0, err
	}
	return s.b.store.enqueue(ctx, s.topic, msg, at)
}

// CancelScheduled removes the deliveries of a scheduled message that are not visible yet.
func (s *sender) CancelScheduled(ctx context.Context, sequenceNumber int64) error {
	if err := s.b.checkOpen(); err != nil {
		return err
	}

	rows, err := s.b.store.pendingScheduled(ctx, sequenceNumber, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return topicbus.NewError(topicbus.ErrCodeNoData,
			fmt.Sprintf("no pending scheduled message with sequence number %d", sequenceNumber))
	}

	for _, row := range rows {
		if err := s.b.store.remove(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *sender) Close(_ context.Context) error {
	return nil
}
