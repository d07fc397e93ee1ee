package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TimerPipe/internal/alert"
	"github.com/BTreeMap/TimerPipe/internal/models"
	"github.com/BTreeMap/TimerPipe/internal/recovery"
)

// RecoverState loads the persisted snapshot, resumes running timers that
// still have time left, finalizes those whose deadline passed while the
// process was down and saves the reconciled snapshot. It must run before
// the engine serves requests.
func (e *Engine) RecoverState(ctx context.Context, registry *recovery.Registry) error {
	e.mu.Lock()

	timers, err := e.gateway.Load(ctx)
	if err != nil {
		e.mu.Unlock()
		slog.Error("Engine.RecoverState: failed to load snapshot", "error", err)
		return fmt.Errorf("failed to load timer snapshot: %w", err)
	}

	now := e.now()
	report := recovery.Report{Component: "lifecycle", Loaded: len(timers)}
	restored := make([]models.Timer, 0, len(timers))
	seen := make(map[string]bool, len(timers))
	var alerts []alert.Alert

	for _, t := range timers {
		if err := t.Validate(); err != nil {
			// The reconciled save below drops the record; log all of it first.
			raw, _ := json.Marshal(t)
			slog.Error("Engine.RecoverState: dropping invalid record", "timerID", t.ID, "error", err, "record", string(raw))
			report.Skipped++
			continue
		}
		if seen[t.ID] {
			slog.Warn("Engine.RecoverState: skipping duplicate record", "timerID", t.ID)
			report.Skipped++
			continue
		}
		seen[t.ID] = true

		d := recovery.Reconcile(t, now)
		report.Count(d)
		switch d.Action {
		case recovery.ActionResume:
			t.RemainingSeconds = d.Remaining
			t.StartedAt = models.TimePtr(now)
			t.UpdatedAt = now
			slog.Info("Engine.RecoverState: resuming timer", "timerID", t.ID, "remaining", d.Remaining, "fireAt", d.FireAt)
		case recovery.ActionFinalize:
			t.Status = models.TimerStatusCompleted
			t.RemainingSeconds = 0
			t.CompletedAt = models.TimePtr(now)
			t.StartedAt = nil
			t.UpdatedAt = now
			slog.Info("Engine.RecoverState: timer expired while offline", "timerID", t.ID, "alert", e.alertOnRecovery)
			if e.alertOnRecovery {
				alerts = append(alerts, e.alertFor(t, now, true))
			}
		}
		restored = append(restored, t)
	}

	e.store.Replace(restored)
	for _, t := range restored {
		if deadline, ok := t.DeadlineAt(); ok {
			e.arm(t.ID, deadline)
		}
	}

	saveErr := e.persist(ctx, "recover")
	e.mu.Unlock()

	if registry != nil {
		registry.AddReport(report)
	}
	slog.Info("Engine.RecoverState: recovery finished",
		"loaded", report.Loaded,
		"kept", report.Kept,
		"resumed", report.Resumed,
		"finalized", report.Finalized,
		"skipped", report.Skipped)

	for _, a := range alerts {
		e.notify(ctx, a)
	}
	return saveErr
}
