package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/TimerPipe/internal/clock"
)

// TimerStatus is the lifecycle state of a countdown timer.
type TimerStatus string

const (
	TimerStatusCreated   TimerStatus = "created"
	TimerStatusRunning   TimerStatus = "running"
	TimerStatusPaused    TimerStatus = "paused"
	TimerStatusCompleted TimerStatus = "completed"
	TimerStatusCancelled TimerStatus = "cancelled"
)

// AllTimerStatuses lists every status in lifecycle order.
var AllTimerStatuses = []TimerStatus{
	TimerStatusCreated,
	TimerStatusRunning,
	TimerStatusPaused,
	TimerStatusCompleted,
	TimerStatusCancelled,
}

// Valid reports whether s is one of the known statuses.
func (s TimerStatus) Valid() bool {
	switch s {
	case TimerStatusCreated, TimerStatusRunning, TimerStatusPaused, TimerStatusCompleted, TimerStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are permitted.
func (s TimerStatus) IsTerminal() bool {
	return s == TimerStatusCompleted || s == TimerStatusCancelled
}

// ParseTimerStatus converts a string tag into a TimerStatus.
func ParseTimerStatus(v string) (TimerStatus, error) {
	s := TimerStatus(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", v)}
	}
	return s, nil
}

// UnmarshalJSON rejects unknown status tags.
func (s *TimerStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseTimerStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Operation names a lifecycle operation requested on a timer.
type Operation string

const (
	OpStart    Operation = "start"
	OpPause    Operation = "pause"
	OpStop     Operation = "stop"
	OpUpdate   Operation = "update"
	OpComplete Operation = "complete"
)

// CanApply reports whether op is allowed from status s.
func (s TimerStatus) CanApply(op Operation) bool {
	switch s {
	case TimerStatusCreated:
		return op == OpStart || op == OpStop || op == OpUpdate
	case TimerStatusRunning:
		return op == OpPause || op == OpStop || op == OpUpdate || op == OpComplete
	case TimerStatusPaused:
		return op == OpStart || op == OpStop || op == OpUpdate
	case TimerStatusCompleted, TimerStatusCancelled:
		return false
	}
	return false
}

// Timer validation bounds and defaults.
const (
	MinDurationSeconds   = 1
	MaxDurationSeconds   = 86400
	MaxLabelLength       = 100
	MaxAlertSoundLength  = 64
	MaxCustomSoundLength = 255
	MinVolume            = 0.0
	MaxVolume            = 1.0
	DefaultAlertSound    = "chime"
	DefaultVolume        = 0.7
)

// DefaultSounds are the built-in alert sounds.
var DefaultSounds = []string{"chime", "bell", "beep", "nature", "digital"}

// AvailableSounds lists the alert sounds an owner can pick from.
type AvailableSounds struct {
	Default []string `json:"default"`
	Custom  []string `json:"custom"`
}

// Timer is a countdown timer owned by a single principal.
//
// RemainingSeconds is authoritative unless Status is running, in which case
// it is the value captured when the timer last entered running and the live
// value must be derived with RemainingAt.
type Timer struct {
	ID               string      `json:"id"`
	Owner            string      `json:"owner"`
	Label            string      `json:"label"`
	DurationSeconds  int         `json:"duration_seconds"`
	RemainingSeconds int         `json:"remaining_seconds"`
	Status           TimerStatus `json:"status"`
	AlertSound       string      `json:"alert_sound"`
	CustomSound      string      `json:"custom_sound,omitempty"`
	Volume           float64     `json:"volume"`
	StartedAt        *time.Time  `json:"started_at"`
	PausedAt         *time.Time  `json:"paused_at"`
	CompletedAt      *time.Time  `json:"completed_at"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// RemainingAt derives the live remaining seconds at now without mutating t.
func (t Timer) RemainingAt(now time.Time) int {
	if t.Status != TimerStatusRunning || t.StartedAt == nil {
		return t.RemainingSeconds
	}
	remaining := t.RemainingSeconds - clock.ElapsedSeconds(*t.StartedAt, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DeadlineAt returns the instant a running timer reaches zero.
func (t Timer) DeadlineAt() (time.Time, bool) {
	if t.Status != TimerStatusRunning || t.StartedAt == nil {
		return time.Time{}, false
	}
	return t.StartedAt.Add(clock.SecondsDuration(t.RemainingSeconds)), true
}

// View returns a copy of t with RemainingSeconds replaced by the live value.
func (t Timer) View(now time.Time) Timer {
	t.RemainingSeconds = t.RemainingAt(now)
	return t
}

// Clone returns a deep copy so callers never alias timestamp pointers.
func (t Timer) Clone() Timer {
	t.StartedAt = cloneTime(t.StartedAt)
	t.PausedAt = cloneTime(t.PausedAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	return t
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr returns a pointer to a copy of v.
func TimePtr(v time.Time) *time.Time {
	return &v
}

// Validate checks the invariants of a stored timer record.
func (t Timer) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if err := ValidateLabel(t.Label); err != nil {
		return err
	}
	if err := ValidateDuration(t.DurationSeconds); err != nil {
		return err
	}
	if t.RemainingSeconds < 0 || t.RemainingSeconds > t.DurationSeconds {
		return &ValidationError{Field: "remaining_seconds", Message: fmt.Sprintf("must be between 0 and %d", t.DurationSeconds)}
	}
	return ValidateVolume(t.Volume)
}

// CreateRequest carries the caller-supplied fields of a new timer.
type CreateRequest struct {
	Label           string   `json:"label"`
	DurationSeconds int      `json:"duration_seconds"`
	AlertSound      string   `json:"alert_sound,omitempty"`
	CustomSound     string   `json:"custom_sound,omitempty"`
	Volume          *float64 `json:"volume,omitempty"`
}

// Normalize fills defaults and validates the request.
func (r *CreateRequest) Normalize() error {
	if r.AlertSound == "" {
		r.AlertSound = DefaultAlertSound
	}
	if r.Volume == nil {
		v := DefaultVolume
		r.Volume = &v
	}
	if err := ValidateLabel(r.Label); err != nil {
		return err
	}
	if err := ValidateDuration(r.DurationSeconds); err != nil {
		return err
	}
	if err := ValidateSound(r.AlertSound, r.CustomSound); err != nil {
		return err
	}
	return ValidateVolume(*r.Volume)
}

// TimerPatch is a partial update. Nil fields are left unchanged.
type TimerPatch struct {
	Label           *string  `json:"label,omitempty"`
	DurationSeconds *int     `json:"duration_seconds,omitempty"`
	AlertSound      *string  `json:"alert_sound,omitempty"`
	CustomSound     *string  `json:"custom_sound,omitempty"`
	Volume          *float64 `json:"volume,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p TimerPatch) IsEmpty() bool {
	return p.Label == nil && p.DurationSeconds == nil && p.AlertSound == nil && p.CustomSound == nil && p.Volume == nil
}

// TouchesFrozenFields reports whether the patch changes fields that are
// frozen while a timer is running.
func (p TimerPatch) TouchesFrozenFields() bool {
	return p.Label != nil || p.DurationSeconds != nil
}

// Validate checks every field present in the patch.
func (p TimerPatch) Validate() error {
	if p.Label != nil {
		if err := ValidateLabel(*p.Label); err != nil {
			return err
		}
	}
	if p.DurationSeconds != nil {
		if err := ValidateDuration(*p.DurationSeconds); err != nil {
			return err
		}
	}
	if p.AlertSound != nil {
		if err := validateAlertSound(*p.AlertSound); err != nil {
			return err
		}
	}
	if p.CustomSound != nil {
		if err := validateCustomSound(*p.CustomSound); err != nil {
			return err
		}
	}
	if p.Volume != nil {
		return ValidateVolume(*p.Volume)
	}
	return nil
}

// ValidateLabel requires 1 to MaxLabelLength characters.
func ValidateLabel(label string) error {
	n := utf8.RuneCountInString(label)
	if n < 1 || n > MaxLabelLength {
		return &ValidationError{Field: "label", Message: fmt.Sprintf("must be 1 to %d characters", MaxLabelLength)}
	}
	return nil
}

// ValidateDuration requires MinDurationSeconds to MaxDurationSeconds.
func ValidateDuration(seconds int) error {
	if seconds < MinDurationSeconds || seconds > MaxDurationSeconds {
		return &ValidationError{Field: "duration_seconds", Message: fmt.Sprintf("must be between %d and %d", MinDurationSeconds, MaxDurationSeconds)}
	}
	return nil
}

// ValidateVolume requires MinVolume to MaxVolume.
func ValidateVolume(v float64) error {
	if math.IsNaN(v) || v < MinVolume || v > MaxVolume {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("must be between %.1f and %.1f", MinVolume, MaxVolume)}
	}
	return nil
}

// ValidateSound bounds the opaque sound identifiers.
func ValidateSound(alertSound, customSound string) error {
	if err := validateAlertSound(alertSound); err != nil {
		return err
	}
	return validateCustomSound(customSound)
}

func validateAlertSound(sound string) error {
	if sound == "" || len(sound) > MaxAlertSoundLength {
		return &ValidationError{Field: "alert_sound", Message: fmt.Sprintf("must be 1 to %d bytes", MaxAlertSoundLength)}
	}
	return nil
}

func validateCustomSound(sound string) error {
	if len(sound) > MaxCustomSoundLength {
		return &ValidationError{Field: "custom_sound", Message: fmt.Sprintf("must be at most %d bytes", MaxCustomSoundLength)}
	}
	return nil
}
