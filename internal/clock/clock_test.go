package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestElapsedSeconds(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same instant", base, 0},
		{"sub-second floors to zero", base.Add(999 * time.Millisecond), 0},
		{"whole seconds", base.Add(30 * time.Second), 30},
		{"fraction floors", base.Add(30*time.Second + 900*time.Millisecond), 30},
		{"clock stepped backwards", base.Add(-10 * time.Second), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ElapsedSeconds(base, tt.now))
		})
	}
}

func TestFakeClockAdvances(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	fc.Advance(90 * time.Second)

	assert.Equal(t, 90, ElapsedSeconds(start, fc.Now()))
	assert.Equal(t, 90*time.Second, SecondsDuration(90))
}
