// Package retry provides the exponential backoff arithmetic used by the
// exponentialBackoff error strategy.
//
// The schedule follows: delay = 2^attempt * Measure, and the message is
// dead-lettered once attempt+1 reaches the attempt limit.
//
// Example with Measure = 1m and Attempts = 4:
//
//	Attempt 0: after 1m
//	Attempt 1: after 2m
//	Attempt 2: after 4m
//	Attempt 3: → Move to DLQ
package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxAttempts is the upper bound for Backoff.Attempts.
	MaxAttempts = 10

	// Factor is the exponential growth base.
	Factor = 2

	// DefaultMeasure is used when no measure is configured.
	DefaultMeasure = time.Minute
)

// ErrUnknownMeasure is returned by ParseMeasure for unrecognized unit names.
var ErrUnknownMeasure = errors.New("unknown time measure")

// Backoff configures the exponentialBackoff strategy.
type Backoff struct {
	Measure  time.Duration // Base time unit multiplied by 2^attempt
	Attempts int           // Attempt limit, valid in 1..MaxAttempts
}

// DefaultBackoff returns the backoff used when a subscription sets no options:
// minutes as measure and ten attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Measure:  DefaultMeasure,
		Attempts: MaxAttempts,
	}
}

// Limit returns the effective attempt limit. Values outside 1..MaxAttempts
// fall back to MaxAttempts.
func (b Backoff) Limit() int {
	if b.Attempts > 0 && b.Attempts <= MaxAttempts {
		return b.Attempts
	}
	return MaxAttempts
}

// LimitReached reports whether the message currently at attempt must be dead-lettered.
func (b Backoff) LimitReached(attempt int) bool {
	return attempt+1 >= b.Limit()
}

// Delay calculates the delay before the next delivery of a message at attempt.
// Negative attempts are treated as zero.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	measure := b.Measure
	if measure <= 0 {
		measure = DefaultMeasure
	}
	delay := measure
	for i := 0; i < attempt; i++ {
		delay *= Factor
	}
	return delay
}

// Schedule returns a human-readable description of the backoff schedule.
//
// Example output:
//
//	Backoff Schedule:
//	  Attempt 0: after 1m0s
//	  Attempt 1: after 2m0s
//	  Attempt 2: → Move to DLQ
func (b Backoff) Schedule() string {
	var sb strings.Builder
	sb.WriteString("Backoff Schedule:\n")
	for i := 0; i < b.Limit(); i++ {
		if b.LimitReached(i) {
			fmt.Fprintf(&sb, "  Attempt %d: → Move to DLQ\n", i)
			break
		}
		fmt.Fprintf(&sb, "  Attempt %d: after %v\n", i, b.Delay(i))
	}
	return sb.String()
}

// ParseMeasure converts a unit name into its duration. An empty name yields DefaultMeasure.
func ParseMeasure(name string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultMeasure, nil
	case "milliseconds", "millisecond", "ms":
		return time.Millisecond, nil
	case "seconds", "second", "s":
		return time.Second, nil
	case "minutes", "minute", "m":
		return time.Minute, nil
	case "hours", "hour", "h":
		return time.Hour, nil
	case "days", "day", "d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMeasure, name)
	}
}
