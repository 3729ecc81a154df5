package model

import (
	"math"
	"strconv"
)

// CurrentAttempt returns the attempt counter of a received message.
// The attemptCount property wins when present; otherwise the broker's delivery
// count is used, and 0 when neither is known.
func CurrentAttempt(rm ReceivedMessage) int {
	if v, ok := rm.Properties[PropAttemptCount]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	if rm.System.DeliveryCount > 0 {
		return rm.System.DeliveryCount
	}
	return 0
}

// WithIncrementedAttempt returns a sendable copy of rm whose attemptCount is
// CurrentAttempt(rm)+1. The original message and its properties are left untouched.
func WithIncrementedAttempt(rm ReceivedMessage) Message {
	next := CurrentAttempt(rm) + 1

	clone := rm.Message
	clone.Body = append([]byte(nil), rm.Body...)
	clone.Properties = rm.Properties.Clone()
	clone.Properties[PropAttemptCount] = next
	return clone
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
