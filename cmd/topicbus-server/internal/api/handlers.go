// Package api provides HTTP handlers for the topicbus server REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/codec"
	"github.com/coregx/topicbus/model"
)

const (
	defaultPeekCount = 10
	maxPeekCount     = 100
)

// Handler holds dependencies for API handlers.
type Handler struct {
	bus    *topicbus.Bus
	logger topicbus.Logger
}

// NewHandler creates a new API handler.
func NewHandler(bus *topicbus.Bus, logger topicbus.Logger) *Handler {
	return &Handler{
		bus:    bus,
		logger: logger,
	}
}

// PublishRequest represents a publish message request.
type PublishRequest struct {
	Data            json.RawMessage        `json:"data"`
	Label           string                 `json:"label,omitempty"`
	MessageID       string                 `json:"messageId,omitempty"`
	CorrelationID   string                 `json:"correlationId,omitempty"`
	ContentType     string                 `json:"contentType,omitempty"`
	ContentEncoding string                 `json:"contentEncoding,omitempty"`
	ScheduledAt     *time.Time             `json:"scheduledAt,omitempty"`
	Properties      map[string]interface{} `json:"properties,omitempty"`
}

// Validate implements validation.Validatable.
func (r PublishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Data, validation.Required),
		validation.Field(&r.ContentEncoding, validation.In(codec.Default, codec.Zlib)),
	)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/publications/{publication}/messages
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "publication")

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), topicbus.ErrCodeValidation)
		return
	}

	publish, err := h.bus.Publish(name)
	if err != nil {
		h.respondBusError(w, err, "Failed to publish message")
		return
	}

	handle, err := publish(r.Context(), req.Data, publishOptions(req)...)
	if err != nil {
		h.logger.Errorf("Failed to publish to %s: %v", name, err)
		h.respondBusError(w, err, "Failed to publish message")
		return
	}

	h.respondSuccess(w, http.StatusCreated, handle, "Message published successfully")
}

func publishOptions(req PublishRequest) []topicbus.PublishOption {
	var opts []topicbus.PublishOption
	if req.Label != "" {
		opts = append(opts, topicbus.WithLabel(req.Label))
	}
	if req.MessageID != "" {
		opts = append(opts, topicbus.WithMessageID(req.MessageID))
	}
	if req.CorrelationID != "" {
		opts = append(opts, topicbus.WithCorrelationID(req.CorrelationID))
	}
	if req.ContentType != "" {
		opts = append(opts, topicbus.WithContentType(req.ContentType))
	}
	if req.ContentEncoding != "" {
		opts = append(opts, topicbus.WithContentEncoding(req.ContentEncoding))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, topicbus.WithScheduledEnqueueTime(*req.ScheduledAt))
	}
	if len(req.Properties) > 0 {
		opts = append(opts, topicbus.WithProperties(model.Properties(req.Properties)))
	}
	return opts
}

// HandleCancelScheduled handles DELETE /api/v1/publications/{publication}/scheduled/{sequence}
func (h *Handler) HandleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "publication")

	seq, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid sequence number", "INVALID_ID")
		return
	}

	handle := topicbus.DeliveryHandle{Scheduled: true, SequenceNumber: seq}
	if err := h.bus.CancelScheduled(r.Context(), name, handle); err != nil {
		h.respondBusError(w, err, "Failed to cancel scheduled message")
		return
	}

	h.respondSuccess(w, http.StatusOK, handle, "Scheduled message cancelled")
}

// HandlePeekActive handles GET /api/v1/subscriptions/{subscription}/messages
func (h *Handler) HandlePeekActive(w http.ResponseWriter, r *http.Request) {
	h.peek(w, r, h.bus.PeekActive)
}

// HandlePeekDLQ handles GET /api/v1/subscriptions/{subscription}/deadletters
func (h *Handler) HandlePeekDLQ(w http.ResponseWriter, r *http.Request) {
	h.peek(w, r, h.bus.PeekDLQ)
}

func (h *Handler) peek(w http.ResponseWriter, r *http.Request,
	peekFn func(ctx context.Context, name string, count int) ([]model.ReceivedMessage, error)) {
	name := chi.URLParam(r, "subscription")

	count, err := parseCount(r.URL.Query().Get("count"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), topicbus.ErrCodeValidation)
		return
	}

	messages, err := peekFn(r.Context(), name, count)
	if err != nil {
		h.respondBusError(w, err, "Failed to peek messages")
		return
	}

	h.respondSuccess(w, http.StatusOK, messages, "")
}

func parseCount(raw string) (int, error) {
	if raw == "" {
		return defaultPeekCount, nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("count must be a number")
	}
	if err := validation.Validate(count, validation.Min(1), validation.Max(maxPeekCount)); err != nil {
		return 0, errors.New("count " + err.Error())
	}
	return count, nil
}

// EmptyResult is returned by HandleEmptyDLQ.
type EmptyResult struct {
	Removed int `json:"removed"`
}

// HandleEmptyDLQ handles DELETE /api/v1/subscriptions/{subscription}/deadletters
func (h *Handler) HandleEmptyDLQ(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "subscription")

	removed, err := h.bus.EmptyDLQ(r.Context(), name)
	if err != nil {
		h.logger.Errorf("Failed to empty DLQ of %s after %d messages: %v", name, removed, err)
		h.respondBusError(w, err, "Failed to empty dead-letter queue")
		return
	}

	h.logger.Infof("Emptied DLQ of %s: %d messages removed", name, removed)
	h.respondSuccess(w, http.StatusOK, EmptyResult{Removed: removed}, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.bus.Health(r.Context())

	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}

	h.respondSuccess(w, code, map[string]interface{}{
		"status":    status.Status,
		"details":   status.Details,
		"inFlight":  h.bus.InFlight(),
		"timestamp": time.Now().UTC(),
	}, "")
}

// respondBusError maps topicbus error codes to HTTP statuses.
func (h *Handler) respondBusError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, topicbus.ErrBusStopped):
		h.respondError(w, http.StatusServiceUnavailable, err.Error(), "BUS_STOPPED")
	case errors.Is(err, topicbus.ErrNotSupported):
		h.respondError(w, http.StatusNotImplemented, err.Error(), "NOT_SUPPORTED")
	case topicbus.HasCode(err, topicbus.ErrCodeConfiguration), topicbus.HasCode(err, topicbus.ErrCodeNoData):
		h.respondError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case topicbus.HasCode(err, topicbus.ErrCodeValidation):
		h.respondError(w, http.StatusBadRequest, err.Error(), topicbus.ErrCodeValidation)
	default:
		var busErr *topicbus.Error
		code := "INTERNAL_ERROR"
		if errors.As(err, &busErr) {
			code = busErr.Code
		}
		h.respondError(w, http.StatusInternalServerError, message, code)
	}
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: status < http.StatusBadRequest,
		Data:    data,
		Message: message,
	})
}
