package topicbus

import (
	"context"

	"github.com/coregx/topicbus/model"
)

// NotificationService defines an optional interface for sending notifications
// about bus events (handler failures, dead-lettered messages).
//
// Implementations might send emails, Slack messages, SMS, or log to monitoring systems.
type NotificationService interface {
	// NotifyDeadLettered is called after the bus moved a message to the dead-letter sub-queue.
	NotifyDeadLettered(ctx context.Context, subscription string, msg model.ReceivedMessage, reason model.DeadLetterReason) error

	// NotifyHandlerFailure is called when a handler fails, before the error strategy runs.
	NotifyHandlerFailure(ctx context.Context, subscription string, msg model.ReceivedMessage, err error) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeadLettered does nothing.
func (n *NoOpNotificationService) NotifyDeadLettered(_ context.Context, _ string, _ model.ReceivedMessage, _ model.DeadLetterReason) error {
	return nil
}

// NotifyHandlerFailure does nothing.
func (n *NoOpNotificationService) NotifyHandlerFailure(_ context.Context, _ string, _ model.ReceivedMessage, _ error) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeadLettered logs the dead-lettered message.
func (n *LoggingNotificationService) NotifyDeadLettered(_ context.Context, subscription string, msg model.ReceivedMessage, reason model.DeadLetterReason) error {
	n.logger.Warnf("⚠️ Message moved to DLQ: subscription=%s, message_id=%s, attempt=%d, reason=%s",
		subscription, msg.System.MessageID, model.CurrentAttempt(msg), reason)
	return nil
}

// NotifyHandlerFailure logs the handler failure.
func (n *LoggingNotificationService) NotifyHandlerFailure(_ context.Context, subscription string, msg model.ReceivedMessage, err error) error {
	n.logger.Warnf("⚠️ Handler failed: subscription=%s, message_id=%s, delivery_count=%d, error=%v",
		subscription, msg.System.MessageID, msg.System.DeliveryCount, err)
	return nil
}
