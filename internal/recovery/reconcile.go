package recovery

import (
	"time"

	"github.com/BTreeMap/TimerPipe/internal/clock"
	"github.com/BTreeMap/TimerPipe/internal/models"
)

// Action is the outcome of reconciling one persisted timer.
type Action int

const (
	// ActionKeep leaves the record untouched.
	ActionKeep Action = iota
	// ActionResume re-bases a running timer and re-arms its completion job.
	ActionResume
	// ActionFinalize completes a running timer whose deadline passed while down.
	ActionFinalize
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionFinalize:
		return "finalize"
	default:
		return "keep"
	}
}

// Decision is what recovery should do with a timer.
type Decision struct {
	Action Action
	// Remaining is the whole seconds left for a resumed timer.
	Remaining int
	// FireAt is when a resumed timer completes.
	FireAt time.Time
}

// Reconcile decides how to restore t at now. Only running timers change.
// Elapsed time is measured from StartedAt, or from UpdatedAt when a record
// lacks StartedAt; a start in the future counts as no time elapsed.
func Reconcile(t models.Timer, now time.Time) Decision {
	if t.Status != models.TimerStatusRunning {
		return Decision{Action: ActionKeep}
	}

	started := now
	switch {
	case t.StartedAt != nil:
		started = *t.StartedAt
	case !t.UpdatedAt.IsZero():
		started = t.UpdatedAt
	}

	remaining := t.RemainingSeconds - clock.ElapsedSeconds(started, now)
	if remaining <= 0 {
		return Decision{Action: ActionFinalize}
	}
	return Decision{
		Action:    ActionResume,
		Remaining: remaining,
		FireAt:    now.Add(clock.SecondsDuration(remaining)),
	}
}
