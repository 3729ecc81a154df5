package relica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

// Sub-queue column values.
const (
	subQueueActive = "active"
	subQueueDead   = "dead"
)

// settlingPrefix marks a lock taken over by a settlement in progress.
const settlingPrefix = "settling:"

type subscriptionRow struct {
	ID        int64     `db:"id"`
	Topic     string    `db:"topic"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type messageRow struct {
	ID            int64     `db:"id"`
	Topic         string    `db:"topic"`
	MessageID     string    `db:"message_id"`
	CorrelationID string    `db:"correlation_id"`
	Label         string    `db:"label"`
	ContentType   string    `db:"content_type"`
	Body          []byte    `db:"body"`
	Properties    string    `db:"properties"`
	CreatedAt     time.Time `db:"created_at"`
}

type deliveryRow struct {
	ID                    int64          `db:"id"`
	SubscriptionID        int64          `db:"subscription_id"`
	MessageID             int64          `db:"message_id"`
	SubQueue              string         `db:"sub_queue"`
	VisibleAt             time.Time      `db:"visible_at"`
	LockedUntil           sql.NullTime   `db:"locked_until"`
	LockToken             sql.NullString `db:"lock_token"`
	DeliveryCount         int            `db:"delivery_count"`
	EnqueuedAt            time.Time      `db:"enqueued_at"`
	DeadLetterReason      sql.NullString `db:"dead_letter_reason"`
	DeadLetterDescription sql.NullString `db:"dead_letter_description"`
}

// store holds the queries behind the broker. Every method maps sql.ErrNoRows
// to topicbus.ErrNoData and other failures to DATABASE_ERROR.
type store struct {
	db     *relica.DB
	prefix string
}

func (s *store) subscriptions() string { return s.prefix + "subscription" }
func (s *store) messages() string      { return s.prefix + "message" }
func (s *store) deliveries() string    { return s.prefix + "delivery" }

func dbError(message string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return topicbus.ErrNoData
	}
	return topicbus.NewErrorWithCause(topicbus.ErrCodeDatabase, message, err)
}

func (s *store) findSubscription(ctx context.Context, topic, name string) (subscriptionRow, error) {
	var row subscriptionRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.subscriptions()).
		Where("topic = ? AND name = ?", topic, name).
		One(&row)
	if err != nil {
		return row, dbError("failed to load subscription", err)
	}
	return row, nil
}

// ensureSubscription returns the subscription row, creating it when missing.
// A concurrent insert losing on the unique key falls back to a second lookup.
func (s *store) ensureSubscription(ctx context.Context, topic, name string) (subscriptionRow, error) {
	row, err := s.findSubscription(ctx, topic, name)
	if err == nil || !topicbus.IsNoData(err) {
		return row, err
	}

	row = subscriptionRow{Topic: topic, Name: name, CreatedAt: time.Now().UTC()}
	if insertErr := s.db.WithContext(ctx).Model(&row).Table(s.subscriptions()).Insert(); insertErr != nil {
		existing, err := s.findSubscription(ctx, topic, name)
		if err != nil {
			return row, dbError("failed to insert subscription", insertErr)
		}
		return existing, nil
	}
	return row, nil
}

func (s *store) subscriptionsOf(ctx context.Context, topic string) ([]subscriptionRow, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.subscriptions()).
		Where("topic = ?", topic).
		OrderBy("id ASC").
		All(&rows)
	if err != nil {
		return nil, dbError("failed to list subscriptions", err)
	}
	return rows, nil
}

// enqueue stores msg once and fans it out to every subscription of topic.
// The message row and its deliveries are written in one transaction, so a
// failed enqueue leaves nothing behind for a retry to duplicate.
// The message row id is the sequence number.
func (s *store) enqueue(ctx context.Context, topic string, msg *model.Message, visibleAt time.Time) (int64, error) {
	props, err := encodeProperties(msg.Properties)
	if err != nil {
		return 0, topicbus.NewErrorWithCause(topicbus.ErrCodeValidation, "failed to encode properties", err)
	}

	subs, err := s.subscriptionsOf(ctx, topic)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	m := messageRow{
		Topic:         topic,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Label:         msg.Label,
		ContentType:   msg.ContentType,
		Body:          msg.Body,
		Properties:    props,
		CreatedAt:     now,
	}

	if len(subs) == 0 {
		// Nobody listens; keep the sequence number but drop the payload.
		if err := s.db.WithContext(ctx).Model(&m).Table(s.messages()).Insert(); err != nil {
			return 0, dbError("failed to insert message", err)
		}
		if err := s.purgeMessage(ctx, m.ID); err != nil {
			return 0, err
		}
		return m.ID, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, dbError("failed to begin enqueue", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.Model(&m).Table(s.messages()).Insert(); err != nil {
		return 0, dbError("failed to insert message", err)
	}

	if visibleAt.IsZero() {
		visibleAt = now
	}
	for _, sub := range subs {
		d := deliveryRow{
			SubscriptionID: sub.ID,
			MessageID:      m.ID,
			SubQueue:       subQueueActive,
			VisibleAt:      visibleAt.UTC(),
			EnqueuedAt:     now,
		}
		if err := tx.Model(&d).Table(s.deliveries()).Insert(); err != nil {
			return 0, dbError(fmt.Sprintf("failed to insert delivery for subscription %s", sub.Name), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, dbError("failed to commit enqueue", err)
	}
	return m.ID, nil
}

func (s *store) loadMessage(ctx context.Context, id int64) (messageRow, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.messages()).
		Where("id = ?", id).
		One(&row)
	if err != nil {
		return row, dbError("failed to load message", err)
	}
	return row, nil
}

func (s *store) loadDelivery(ctx context.Context, id int64) (deliveryRow, error) {
	var row deliveryRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.deliveries()).
		Where("id = ?", id).
		One(&row)
	if err != nil {
		return row, dbError("failed to load delivery", err)
	}
	return row, nil
}

// candidates returns visible, unlocked deliveries in sequence order.
func (s *store) candidates(ctx context.Context, subscriptionID int64, subQueue string, now time.Time, limit int) ([]deliveryRow, error) {
	var rows []deliveryRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.deliveries()).
		Where("subscription_id = ? AND sub_queue = ? AND visible_at <= ? AND (locked_until IS NULL OR locked_until <= ?)",
			subscriptionID, subQueue, now, now).
		OrderBy("id ASC").
		Limit(int64(limit)).
		All(&rows)
	if err != nil {
		return nil, dbError("failed to find receivable deliveries", err)
	}
	return rows, nil
}

// peek returns visible deliveries whether or not they are locked.
func (s *store) peek(ctx context.Context, subscriptionID int64, subQueue string, now time.Time, limit int) ([]deliveryRow, error) {
	var rows []deliveryRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.deliveries()).
		Where("subscription_id = ? AND sub_queue = ? AND visible_at <= ?", subscriptionID, subQueue, now).
		OrderBy("id ASC").
		Limit(int64(limit)).
		All(&rows)
	if err != nil {
		return nil, dbError("failed to peek deliveries", err)
	}
	return rows, nil
}

// claim locks row with token. The update only matches while the delivery count
// is unchanged, so of two concurrent claimers exactly one reads its token back.
func (s *store) claim(ctx context.Context, row deliveryRow, token string, until time.Time) (deliveryRow, bool, error) {
	_, err := s.db.WithContext(ctx).Update(s.deliveries()).
		Set(map[string]interface{}{
			"lock_token":     token,
			"locked_until":   until,
			"delivery_count": row.DeliveryCount + 1,
		}).
		Where("id = ? AND delivery_count = ?", row.ID, row.DeliveryCount).
		Execute()
	if err != nil {
		return row, false, dbError("failed to lock delivery", err)
	}

	current, err := s.loadDelivery(ctx, row.ID)
	if err != nil {
		if topicbus.IsNoData(err) {
			return row, false, nil
		}
		return row, false, err
	}
	return current, current.LockToken.Valid && current.LockToken.String == token, nil
}

// takeOver moves a held lock to the settling token so that no other receiver
// can claim the row while it is being settled.
func (s *store) takeOver(ctx context.Context, id int64, token string, now time.Time) (deliveryRow, error) {
	settling := settlingPrefix + token
	_, err := s.db.WithContext(ctx).Update(s.deliveries()).
		Set(map[string]interface{}{"lock_token": settling}).
		Where("id = ? AND (lock_token = ? OR lock_token = ?) AND locked_until > ?", id, token, settling, now).
		Execute()
	if err != nil {
		return deliveryRow{}, dbError("failed to take over lock", err)
	}

	current, err := s.loadDelivery(ctx, id)
	if err != nil {
		if topicbus.IsNoData(err) {
			return deliveryRow{}, topicbus.ErrLockLost
		}
		return deliveryRow{}, err
	}
	if !current.LockToken.Valid || current.LockToken.String != settling {
		return deliveryRow{}, topicbus.ErrLockLost
	}
	return current, nil
}

func (s *store) release(ctx context.Context, id int64) error {
	_, err := s.db.WithContext(ctx).Update(s.deliveries()).
		Set(map[string]interface{}{
			"lock_token":   nil,
			"locked_until": nil,
		}).
		Where("id = ?", id).
		Execute()
	if err != nil {
		return dbError("failed to release delivery", err)
	}
	return nil
}

func (s *store) moveToDead(ctx context.Context, id int64, reason model.DeadLetterReason, description string) error {
	_, err := s.db.WithContext(ctx).Update(s.deliveries()).
		Set(map[string]interface{}{
			"sub_queue":               subQueueDead,
			"visible_at":              time.Now().UTC(),
			"lock_token":              nil,
			"locked_until":            nil,
			"dead_letter_reason":      string(reason),
			"dead_letter_description": description,
		}).
		Where("id = ?", id).
		Execute()
	if err != nil {
		return dbError("failed to dead-letter delivery", err)
	}
	return nil
}

// remove deletes a delivery and, when it was the last one, its message.
func (s *store) remove(ctx context.Context, row deliveryRow) error {
	if err := s.db.WithContext(ctx).Model(&row).Table(s.deliveries()).Delete(); err != nil {
		return dbError("failed to delete delivery", err)
	}
	return s.purgeMessage(ctx, row.MessageID)
}

func (s *store) purgeMessage(ctx context.Context, messageID int64) error {
	var remaining struct {
		N int64 `db:"n"`
	}
	err := s.db.WithContext(ctx).Select("COUNT(*) AS n").
		From(s.deliveries()).
		Where("message_id = ?", messageID).
		One(&remaining)
	if err != nil {
		return dbError("failed to count deliveries", err)
	}
	if remaining.N > 0 {
		return nil
	}

	m := messageRow{ID: messageID}
	if err := s.db.WithContext(ctx).Model(&m).Table(s.messages()).Delete(); err != nil {
		return dbError("failed to delete message", err)
	}
	return nil
}

// pendingScheduled returns the not yet visible deliveries of a message.
func (s *store) pendingScheduled(ctx context.Context, messageID int64, now time.Time) ([]deliveryRow, error) {
	var rows []deliveryRow
	err := s.db.WithContext(ctx).Select("*").
		From(s.deliveries()).
		Where("message_id = ? AND sub_queue = ? AND visible_at > ?", messageID, subQueueActive, now).
		All(&rows)
	if err != nil {
		return nil, dbError("failed to find scheduled deliveries", err)
	}
	return rows, nil
}

// received builds the broker snapshot handed to the bus.
func received(m messageRow, d deliveryRow, sub subscriptionRow) (model.ReceivedMessage, error) {
	props, err := decodeProperties(m.Properties)
	if err != nil {
		return model.ReceivedMessage{}, topicbus.NewErrorWithCause(topicbus.ErrCodeDecode,
			fmt.Sprintf("failed to decode properties of message %d", m.ID), err)
	}

	path := model.EntityPath(sub.Topic, sub.Name)
	if d.SubQueue == subQueueDead {
		path = model.DeadLetterPath(sub.Topic, sub.Name)
	}

	rm := model.ReceivedMessage{
		Message: model.Message{
			Body:          m.Body,
			MessageID:     m.MessageID,
			CorrelationID: m.CorrelationID,
			Label:         m.Label,
			ContentType:   m.ContentType,
			Properties:    props,
		},
		System: model.SystemProperties{
			MessageID:      m.MessageID,
			CorrelationID:  m.CorrelationID,
			EntityPath:     path,
			EnqueuedAt:     d.EnqueuedAt,
			DeliveryCount:  d.DeliveryCount,
			SequenceNumber: m.ID,
		},
	}
	if d.LockToken.Valid {
		rm.System.LockToken = d.LockToken.String
	}
	if d.DeadLetterReason.Valid {
		rm.System.DeadLetterReason = model.DeadLetterReason(d.DeadLetterReason.String)
		rm.System.DeadLetterDescription = d.DeadLetterDescription.String
	}
	return rm, nil
}

func encodeProperties(p model.Properties) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeProperties restores whole numbers as int so attempt counters keep their type.
func decodeProperties(s string) (model.Properties, error) {
	props := model.Properties{}
	if s == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(s), &props); err != nil {
		return nil, err
	}
	for k, v := range props {
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			props[k] = int(f)
		}
	}
	return props, nil
}
