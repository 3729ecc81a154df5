package retry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBackoff(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, time.Minute, b.Measure)
	assert.Equal(t, 10, b.Attempts)
	assert.Equal(t, 10, b.Limit())
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Measure: time.Second, Attempts: 10}

	tests := []struct {
		name          string
		attempt       int
		expectedDelay time.Duration
	}{
		{"Zero attempt - one measure", 0, 1 * time.Second},
		{"First attempt - doubled", 1, 2 * time.Second},
		{"Second attempt", 2, 4 * time.Second},
		{"Third attempt", 3, 8 * time.Second},
		{"Ninth attempt", 9, 512 * time.Second},
		{"Negative attempt treated as zero", -3, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedDelay, b.Delay(tt.attempt))
		})
	}
}

func TestBackoff_DelayDefaultsMeasure(t *testing.T) {
	b := Backoff{Attempts: 3}
	assert.Equal(t, 2*time.Minute, b.Delay(1))
}

func TestBackoff_Limit(t *testing.T) {
	tests := []struct {
		attempts int
		expected int
	}{
		{0, 10},
		{-1, 10},
		{1, 1},
		{5, 5},
		{10, 10},
		{11, 10},
		{100, 10},
	}

	for _, tt := range tests {
		b := Backoff{Measure: time.Minute, Attempts: tt.attempts}
		assert.Equal(t, tt.expected, b.Limit(), "attempts=%d", tt.attempts)
	}
}

func TestBackoff_LimitReached(t *testing.T) {
	b := Backoff{Measure: time.Minute, Attempts: 3}

	assert.False(t, b.LimitReached(0))
	assert.False(t, b.LimitReached(1))
	assert.True(t, b.LimitReached(2))
	assert.True(t, b.LimitReached(7), "attempts past the limit still dead-letter")

	single := Backoff{Measure: time.Minute, Attempts: 1}
	assert.True(t, single.LimitReached(0))
}

func TestBackoff_Schedule(t *testing.T) {
	b := Backoff{Measure: time.Minute, Attempts: 3}
	schedule := b.Schedule()

	assert.True(t, strings.HasPrefix(schedule, "Backoff Schedule:"))
	assert.Contains(t, schedule, "Attempt 0: after 1m0s")
	assert.Contains(t, schedule, "Attempt 1: after 2m0s")
	assert.Contains(t, schedule, "Attempt 2: → Move to DLQ")
	assert.NotContains(t, schedule, "Attempt 3")
}

func TestParseMeasure(t *testing.T) {
	tests := []struct {
		name     string
		expected time.Duration
	}{
		{"", time.Minute},
		{"milliseconds", time.Millisecond},
		{"ms", time.Millisecond},
		{"seconds", time.Second},
		{"second", time.Second},
		{"minutes", time.Minute},
		{"Minutes", time.Minute},
		{"hours", time.Hour},
		{"days", 24 * time.Hour},
		{"d", 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMeasure(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseMeasure_Unknown(t *testing.T) {
	_, err := ParseMeasure("fortnights")
	assert.ErrorIs(t, err, ErrUnknownMeasure)
}
