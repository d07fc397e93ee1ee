package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/models"
)

// timerColumns is the column list shared by the SQL gateways.
const timerColumns = `id, owner, label, duration_seconds, remaining_seconds, status, alert_sound, custom_sound,
	volume, started_at, paused_at, completed_at, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp as RFC3339Nano text in UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// formatTimePtr is formatTime for nullable columns.
func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTimeText parses RFC3339Nano text written by formatTime.
func parseTimeText(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTimeText(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTimeText(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// timePtrArg converts a nullable timestamp to a driver argument.
func timePtrArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTimerText scans a timer whose timestamps are stored as text (SQLite).
func scanTimerText(row rowScanner) (models.Timer, error) {
	var t models.Timer
	var status string
	var customSound, startedAt, pausedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(
		&t.ID, &t.Owner, &t.Label, &t.DurationSeconds, &t.RemainingSeconds, &status, &t.AlertSound, &customSound,
		&t.Volume, &startedAt, &pausedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan timer failed: %w", err)
	}
	if t.Status, err = models.ParseTimerStatus(status); err != nil {
		return t, fmt.Errorf("timer %s: %w", t.ID, err)
	}
	t.CustomSound = customSound.String
	if t.StartedAt, err = parseNullTimeText(startedAt); err != nil {
		return t, err
	}
	if t.PausedAt, err = parseNullTimeText(pausedAt); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTimeText(completedAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTimeText(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTimeText(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

// scanTimerNative scans a timer whose timestamps are native columns (PostgreSQL).
func scanTimerNative(row rowScanner) (models.Timer, error) {
	var t models.Timer
	var status string
	var customSound sql.NullString
	var startedAt, pausedAt, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Owner, &t.Label, &t.DurationSeconds, &t.RemainingSeconds, &status, &t.AlertSound, &customSound,
		&t.Volume, &startedAt, &pausedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan timer failed: %w", err)
	}
	if t.Status, err = models.ParseTimerStatus(status); err != nil {
		return t, fmt.Errorf("timer %s: %w", t.ID, err)
	}
	t.CustomSound = customSound.String
	t.StartedAt = nullTimePtr(startedAt)
	t.PausedAt = nullTimePtr(pausedAt)
	t.CompletedAt = nullTimePtr(completedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
