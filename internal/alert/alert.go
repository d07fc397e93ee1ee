// Package alert delivers timer completion alerts to notifiers.
//
// Delivery is best-effort: a notifier error is reported to the caller for
// logging but never affects timer state.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Alert is the payload handed to a Notifier when a timer completes.
type Alert struct {
	TimerID     string    `json:"timer_id"`
	Owner       string    `json:"owner"`
	Label       string    `json:"label"`
	AlertSound  string    `json:"alert_sound"`
	CustomSound string    `json:"custom_sound,omitempty"`
	Volume      float64   `json:"volume"`
	FiredAt     time.Time `json:"fired_at"`
	// Recovered marks alerts for timers that expired while the process was down.
	Recovered bool `json:"recovered,omitempty"`
}

// Sound returns the sound to play: the custom sound when set, otherwise the alert sound.
func (a Alert) Sound() string {
	if a.CustomSound != "" {
		return a.CustomSound
	}
	return a.AlertSound
}

// Text renders a one-line human readable message.
func (a Alert) Text() string {
	msg := fmt.Sprintf("Timer %q finished", a.Label)
	if a.Recovered {
		msg += " while the service was offline"
	}
	return msg + fmt.Sprintf(" (sound %s, volume %.0f%%)", a.Sound(), a.Volume*100)
}

// Notifier receives completion alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, a Alert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct{}

// Notify logs the alert at info level.
func (LogNotifier) Notify(ctx context.Context, a Alert) error {
	slog.Info("Timer alert",
		"timerID", a.TimerID,
		"owner", a.Owner,
		"label", a.Label,
		"sound", a.Sound(),
		"volume", a.Volume,
		"recovered", a.Recovered)
	return nil
}

// Multi fans an alert out to every notifier. Each notifier runs even if an
// earlier one fails or panics; the failures are joined.
type Multi []Notifier

// Notify delivers a to every notifier in order.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for i, n := range m {
		if n == nil {
			continue
		}
		if err := SafeNotify(ctx, n, a); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SafeNotify calls n, converting a panic into an error.
func SafeNotify(ctx context.Context, n Notifier, a Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return n.Notify(ctx, a)
}
