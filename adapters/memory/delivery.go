package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

type delivery struct {
	b        *Broker
	sub      *subscription
	e        *entry
	token    string
	snapshot model.ReceivedMessage
	mode     topicbus.ReceiveMode
	settled  bool
}

func (d *delivery) Message() model.ReceivedMessage {
	return d.snapshot
}

func (d *delivery) Complete(_ context.Context) error {
	return d.settle(func() error {
		if d.b.completeFailures > 0 {
			d.b.completeFailures--
			return d.b.completeErr
		}
		d.sub.remove(d.e)
		d.b.stats.Completed++
		return nil
	})
}

func (d *delivery) Abandon(_ context.Context) error {
	return d.settle(func() error {
		d.e.lockToken = ""
		d.e.lockedUntil = time.Time{}
		d.b.stats.Abandoned++

		if limit := d.b.maxDeliveryCount; limit > 0 && !d.e.dead && d.e.deliveryCount >= limit {
			d.sub.moveToDead(d.e, model.ReasonMaxDeliveryCountExceeded,
				fmt.Sprintf("delivery count %d reached broker limit %d", d.e.deliveryCount, limit))
			d.b.stats.DeadLettered++
		}
		return nil
	})
}

func (d *delivery) DeadLetter(_ context.Context, reason model.DeadLetterReason, description string) error {
	return d.settle(func() error {
		d.sub.moveToDead(d.e, reason, description)
		d.b.stats.DeadLettered++
		return nil
	})
}

// settle runs action once under the broker lock, after checking the lock is still held.
// A failed action leaves the delivery unsettled.
func (d *delivery) settle(action func() error) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	if d.settled {
		return topicbus.ErrAlreadySettled
	}
	if d.mode == topicbus.ReceiveAndDelete {
		d.settled = true
		return nil
	}
	if d.b.closed {
		return ErrClosed
	}
	if d.e.lockToken != d.token || !d.e.lockedUntil.After(time.Now()) {
		return topicbus.ErrLockLost
	}

	if err := action(); err != nil {
		return err
	}
	d.settled = true
	return nil
}
