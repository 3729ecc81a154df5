package relica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

type delivery struct {
	b        *Broker
	row      deliveryRow
	token    string
	snapshot model.ReceivedMessage
	mode     topicbus.ReceiveMode

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() model.ReceivedMessage {
	return d.snapshot
}

func (d *delivery) Complete(ctx context.Context) error {
	return d.settle(ctx, func(ctx context.Context, row deliveryRow) error {
		return d.b.store.remove(ctx, row)
	})
}

func (d *delivery) Abandon(ctx context.Context) error {
	return d.settle(ctx, func(ctx context.Context, row deliveryRow) error {
		if limit := d.b.maxDeliveryCount; limit > 0 && row.SubQueue == subQueueActive && row.DeliveryCount >= limit {
			return d.b.store.moveToDead(ctx, row.ID, model.ReasonMaxDeliveryCountExceeded,
				fmt.Sprintf("delivery count %d reached broker limit %d", row.DeliveryCount, limit))
		}
		return d.b.store.release(ctx, row.ID)
	})
}

func (d *delivery) DeadLetter(ctx context.Context, reason model.DeadLetterReason, description string) error {
	return d.settle(ctx, func(ctx context.Context, row deliveryRow) error {
		return d.b.store.moveToDead(ctx, row.ID, reason, description)
	})
}

// settle takes over the lock and runs action once. A failed action leaves the
// delivery unsettled and still locked by this receiver.
func (d *delivery) settle(ctx context.Context, action func(context.Context, deliveryRow) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.settled {
		return topicbus.ErrAlreadySettled
	}
	if d.mode == topicbus.ReceiveAndDelete {
		d.settled = true
		return nil
	}
	if err := d.b.checkOpen(); err != nil {
		return err
	}

	row, err := d.b.store.takeOver(ctx, d.row.ID, d.token, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := action(ctx, row); err != nil {
		return err
	}
	d.settled = true
	return nil
}
