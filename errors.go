package topicbus

import (
	"errors"
	"fmt"
)

// Error represents a topicbus error with categorization.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error (if any)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes for topicbus operations.
const (
	// ErrCodeNoData indicates no data was found.
	ErrCodeNoData = "NO_DATA"

	// ErrCodeValidation indicates validation failed.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeConfiguration indicates invalid configuration or an unknown
	// publication/subscription name.
	ErrCodeConfiguration = "CONFIGURATION_ERROR"

	// ErrCodeDatabase indicates a database operation failed.
	ErrCodeDatabase = "DATABASE_ERROR"

	// ErrCodeDelivery indicates a settlement action (complete, abandon, dead-letter) failed.
	ErrCodeDelivery = "DELIVERY_ERROR"

	// ErrCodePublish indicates a send failed after all inline attempts.
	ErrCodePublish = "PUBLISH_ERROR"

	// ErrCodeStrategy indicates an error strategy could not be executed.
	ErrCodeStrategy = "STRATEGY_ERROR"

	// ErrCodeTransport indicates the broker connection or receiver failed.
	ErrCodeTransport = "TRANSPORT_ERROR"

	// ErrCodeDecode indicates a message body could not be decoded.
	ErrCodeDecode = "DECODE_ERROR"
)

// Common errors.
var (
	// ErrNoData is returned when a query returns no results.
	// This is not necessarily an error condition in all cases.
	ErrNoData = &Error{
		Code:    ErrCodeNoData,
		Message: "no data found",
	}

	// ErrAlreadySettled is returned by a second terminal action on the same delivery.
	ErrAlreadySettled = &Error{
		Code:    ErrCodeDelivery,
		Message: "message already settled",
	}

	// ErrLockLost is returned when the delivery lock expired before settlement.
	ErrLockLost = &Error{
		Code:    ErrCodeDelivery,
		Message: "message lock lost",
	}

	// ErrNotSupported is returned when a broker cannot perform an operation.
	ErrNotSupported = &Error{
		Code:    ErrCodeTransport,
		Message: "operation not supported by broker",
	}

	// ErrBusStopped is returned by operations started after Stop.
	ErrBusStopped = &Error{
		Code:    ErrCodeConfiguration,
		Message: "bus is stopped",
	}
)

// NewError creates a new Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error wrapping an underlying error.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// IsNoData checks if an error is ErrNoData.
func IsNoData(err error) bool {
	var busErr *Error
	if errors.As(err, &busErr) {
		return busErr.Code == ErrCodeNoData
	}
	return errors.Is(err, ErrNoData)
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var busErr *Error
		if !errors.As(err, &busErr) {
			return false
		}
		if busErr.Code == code {
			return true
		}
		err = busErr.Err
	}
	return false
}
