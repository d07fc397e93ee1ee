// Package lifecycle implements the timer state machine.
//
// The Engine owns every state change of a timer: it validates the request,
// mutates the store, arms or disarms the completion job and persists the
// full snapshot, all inside one critical section. Completion alerts are
// delivered after the critical section so a slow notifier never blocks
// other operations.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/alert"
	"github.com/BTreeMap/TimerPipe/internal/clock"
	"github.com/BTreeMap/TimerPipe/internal/models"
	"github.com/BTreeMap/TimerPipe/internal/scheduler"
	"github.com/BTreeMap/TimerPipe/internal/store"
	"github.com/google/uuid"
)

// Defaults for engine options.
const (
	DefaultSweepGrace  = 5 * time.Second
	DefaultSaveTimeout = 10 * time.Second
)

// Opts holds configuration options for the Engine.
type Opts struct {
	Clock           clock.Clock
	Notifier        alert.Notifier
	AlertOnRecovery bool
	SweepGrace      time.Duration
	SaveTimeout     time.Duration
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithClock sets the time source. It must be the clock driving the scheduler.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) {
		o.Clock = c
	}
}

// WithNotifier sets the completion alert notifier.
func WithNotifier(n alert.Notifier) Option {
	return func(o *Opts) {
		o.Notifier = n
	}
}

// WithAlertOnRecovery alerts for timers that expired while the process was down.
func WithAlertOnRecovery(enabled bool) Option {
	return func(o *Opts) {
		o.AlertOnRecovery = enabled
	}
}

// WithSweepGrace sets how far past its deadline a running timer must be
// before the sweep finalizes it.
func WithSweepGrace(d time.Duration) Option {
	return func(o *Opts) {
		o.SweepGrace = d
	}
}

// WithSaveTimeout bounds each snapshot save.
func WithSaveTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.SaveTimeout = d
	}
}

// Engine is the timer lifecycle engine.
type Engine struct {
	clock           clock.Clock
	store           *store.MemoryStore
	gateway         store.Gateway
	scheduler       *scheduler.Scheduler
	notifier        alert.Notifier
	alertOnRecovery bool
	sweepGrace      time.Duration
	saveTimeout     time.Duration

	// mu serialises every read-modify-write together with the save that follows it.
	mu sync.Mutex

	// Save bookkeeping, guarded by mu.
	lastSavedAt time.Time
	lastSaveErr error
	dirty       bool
}

// NewEngine creates an Engine over the given store, gateway and scheduler.
func NewEngine(st *store.MemoryStore, gw store.Gateway, sched *scheduler.Scheduler, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("timer store is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("persistence gateway is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	cfg := Opts{
		SweepGrace:  DefaultSweepGrace,
		SaveTimeout: DefaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.LogNotifier{}
	}

	slog.Debug("Engine.NewEngine: engine created",
		"alertOnRecovery", cfg.AlertOnRecovery,
		"sweepGrace", cfg.SweepGrace,
		"saveTimeout", cfg.SaveTimeout)

	return &Engine{
		clock:           cfg.Clock,
		store:           st,
		gateway:         gw,
		scheduler:       sched,
		notifier:        cfg.Notifier,
		alertOnRecovery: cfg.AlertOnRecovery,
		sweepGrace:      cfg.SweepGrace,
		saveTimeout:     cfg.SaveTimeout,
	}, nil
}

// now returns the current instant at the precision every gateway preserves.
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// Create validates req and stores a new timer in the created state.
func (e *Engine) Create(ctx context.Context, owner string, req models.CreateRequest) (models.Timer, error) {
	if owner == "" {
		return models.Timer{}, &models.ValidationError{Field: "owner", Message: "owner is required"}
	}
	if err := req.Normalize(); err != nil {
		slog.Debug("Engine.Create: validation failed", "owner", owner, "error", err)
		return models.Timer{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	t := models.Timer{
		ID:               uuid.NewString(),
		Owner:            owner,
		Label:            req.Label,
		DurationSeconds:  req.DurationSeconds,
		RemainingSeconds: req.DurationSeconds,
		Status:           models.TimerStatusCreated,
		AlertSound:       req.AlertSound,
		CustomSound:      req.CustomSound,
		Volume:           *req.Volume,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	e.store.Put(t)
	slog.Info("Engine.Create: timer created", "timerID", t.ID, "owner", owner, "duration", t.DurationSeconds)

	return t, e.persist(ctx, "create")
}

// List returns owner's timers, optionally filtered by status, with live
// remaining time.
func (e *Engine) List(owner string, status *models.TimerStatus) ([]models.Timer, error) {
	if owner == "" {
		return nil, &models.ValidationError{Field: "owner", Message: "owner is required"}
	}
	timers := e.store.List(owner, store.ListFilter{Status: status})
	now := e.now()
	for i := range timers {
		timers[i] = timers[i].View(now)
	}
	return timers, nil
}

// Sounds returns the built-in alert sounds and the distinct custom sounds
// used by owner's timers, sorted.
func (e *Engine) Sounds(owner string) (models.AvailableSounds, error) {
	if owner == "" {
		return models.AvailableSounds{}, &models.ValidationError{Field: "owner", Message: "owner is required"}
	}
	custom := []string{}
	for _, t := range e.store.List(owner, store.ListFilter{}) {
		if t.CustomSound != "" {
			custom = append(custom, t.CustomSound)
		}
	}
	slices.Sort(custom)
	return models.AvailableSounds{
		Default: slices.Clone(models.DefaultSounds),
		Custom:  slices.Compact(custom),
	}, nil
}

// Get returns one of owner's timers with live remaining time.
func (e *Engine) Get(owner, id string) (models.Timer, error) {
	t, err := e.getOwned(owner, id)
	if err != nil {
		return models.Timer{}, err
	}
	return t.View(e.now()), nil
}

// Update applies patch. Label and duration are frozen while running and
// terminal timers cannot be updated.
func (e *Engine) Update(ctx context.Context, owner, id string, patch models.TimerPatch) (models.Timer, error) {
	if err := patch.Validate(); err != nil {
		return models.Timer{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getOwned(owner, id)
	if err != nil {
		return models.Timer{}, err
	}
	if !t.Status.CanApply(models.OpUpdate) {
		return t.View(e.now()), &models.TransitionError{TimerID: id, Current: t.Status, Op: models.OpUpdate}
	}
	if t.Status == models.TimerStatusRunning && patch.TouchesFrozenFields() {
		return t.View(e.now()), &models.TransitionError{TimerID: id, Current: t.Status, Op: models.OpUpdate}
	}
	if patch.IsEmpty() {
		return t.View(e.now()), nil
	}

	if patch.Label != nil {
		t.Label = *patch.Label
	}
	if patch.DurationSeconds != nil {
		t.DurationSeconds = *patch.DurationSeconds
		switch t.Status {
		case models.TimerStatusCreated:
			t.RemainingSeconds = t.DurationSeconds
		case models.TimerStatusPaused:
			t.RemainingSeconds = min(t.RemainingSeconds, t.DurationSeconds)
		}
	}
	if patch.AlertSound != nil {
		t.AlertSound = *patch.AlertSound
	}
	if patch.CustomSound != nil {
		t.CustomSound = *patch.CustomSound
	}
	if patch.Volume != nil {
		t.Volume = *patch.Volume
	}

	now := e.now()
	t.UpdatedAt = now
	e.store.Put(t)
	slog.Info("Engine.Update: timer updated", "timerID", id, "status", t.Status)

	return t.View(now), e.persist(ctx, "update")
}

// Start moves a created or paused timer to running and arms its completion job.
func (e *Engine) Start(ctx context.Context, owner, id string) (models.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getOwned(owner, id)
	if err != nil {
		return models.Timer{}, err
	}
	now := e.now()
	if !t.Status.CanApply(models.OpStart) {
		return t.View(now), &models.TransitionError{TimerID: id, Current: t.Status, Op: models.OpStart}
	}

	t.Status = models.TimerStatusRunning
	t.StartedAt = models.TimePtr(now)
	t.UpdatedAt = now
	e.store.Put(t)

	fireAt := now.Add(clock.SecondsDuration(t.RemainingSeconds))
	e.arm(id, fireAt)
	slog.Info("Engine.Start: timer running", "timerID", id, "remaining", t.RemainingSeconds, "fireAt", fireAt)

	return t.View(now), e.persist(ctx, "start")
}

// Pause freezes the live remaining time of a running timer.
func (e *Engine) Pause(ctx context.Context, owner, id string) (models.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getOwned(owner, id)
	if err != nil {
		return models.Timer{}, err
	}
	now := e.now()
	if !t.Status.CanApply(models.OpPause) {
		return t.View(now), &models.TransitionError{TimerID: id, Current: t.Status, Op: models.OpPause}
	}

	e.scheduler.Disarm(id)
	t.RemainingSeconds = t.RemainingAt(now)
	t.Status = models.TimerStatusPaused
	t.PausedAt = models.TimePtr(now)
	t.StartedAt = nil
	t.UpdatedAt = now
	e.store.Put(t)
	slog.Info("Engine.Pause: timer paused", "timerID", id, "remaining", t.RemainingSeconds)

	return t, e.persist(ctx, "pause")
}

// Stop cancels a timer that has not finished.
func (e *Engine) Stop(ctx context.Context, owner, id string) (models.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.getOwned(owner, id)
	if err != nil {
		return models.Timer{}, err
	}
	now := e.now()
	if !t.Status.CanApply(models.OpStop) {
		return t.View(now), &models.TransitionError{TimerID: id, Current: t.Status, Op: models.OpStop}
	}

	e.scheduler.Disarm(id)
	t.RemainingSeconds = t.RemainingAt(now)
	t.Status = models.TimerStatusCancelled
	t.CompletedAt = models.TimePtr(now)
	t.StartedAt = nil
	t.UpdatedAt = now
	e.store.Put(t)
	slog.Info("Engine.Stop: timer cancelled", "timerID", id, "remaining", t.RemainingSeconds)

	return t, e.persist(ctx, "stop")
}

// Delete removes a timer in any state.
func (e *Engine) Delete(ctx context.Context, owner, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.getOwned(owner, id); err != nil {
		return err
	}
	e.scheduler.Disarm(id)
	e.store.Delete(id)
	slog.Info("Engine.Delete: timer deleted", "timerID", id)

	return e.persist(ctx, "delete")
}

// HandleCompletion is the scheduler callback for a timer's deadline. It is
// a no-op for missing, non-running or terminal timers, so repeated or
// racing fires complete a timer at most once. A fire that arrives before
// the deadline re-arms the job.
func (e *Engine) HandleCompletion(ctx context.Context, id string) error {
	e.mu.Lock()

	t, err := e.store.Get(id)
	if err != nil {
		e.mu.Unlock()
		slog.Debug("Engine.HandleCompletion: timer gone", "timerID", id)
		return nil
	}
	if !t.Status.CanApply(models.OpComplete) {
		e.mu.Unlock()
		slog.Debug("Engine.HandleCompletion: timer not running", "timerID", id, "status", t.Status)
		return nil
	}

	now := e.now()
	if deadline, ok := t.DeadlineAt(); ok && now.Before(deadline) {
		e.arm(id, deadline)
		e.mu.Unlock()
		slog.Debug("Engine.HandleCompletion: early fire, re-armed", "timerID", id, "deadline", deadline)
		return nil
	}

	t = e.complete(t, now)
	saveErr := e.persist(ctx, "complete")
	e.mu.Unlock()

	slog.Info("Engine.HandleCompletion: timer completed", "timerID", id)
	e.notify(ctx, e.alertFor(t, now, false))
	return saveErr
}

// Sweep finalizes running timers more than the grace interval past their
// deadline, re-arms running timers that lost their job and retries a failed
// save.
func (e *Engine) Sweep(ctx context.Context) error {
	e.mu.Lock()

	alerts, changed := e.sweepRunning(e.now())

	var err error
	if changed || e.dirty {
		err = e.persist(ctx, "sweep")
	}
	e.mu.Unlock()

	for _, a := range alerts {
		e.notify(ctx, a)
	}
	if len(alerts) > 0 || err != nil {
		slog.Info("Engine.Sweep: completed", "finalized", len(alerts), "error", err)
	}
	return err
}

// sweepRunning finalizes overdue running timers and re-arms those without a
// job. Caller holds mu.
func (e *Engine) sweepRunning(now time.Time) ([]alert.Alert, bool) {
	var alerts []alert.Alert
	changed := false
	for _, t := range e.store.List("", store.ListFilter{Status: statusPtr(models.TimerStatusRunning)}) {
		deadline, ok := t.DeadlineAt()
		if !ok {
			continue
		}
		if now.Sub(deadline) > e.sweepGrace {
			e.scheduler.Disarm(t.ID)
			done := e.complete(t, now)
			alerts = append(alerts, e.alertFor(done, now, false))
			changed = true
			slog.Warn("Engine.Sweep: finalized overdue timer", "timerID", t.ID, "deadline", deadline)
			continue
		}
		// A fire the scheduler already claimed may be waiting on mu; it is
		// not armed but still pending.
		if !e.scheduler.Scheduled(t.ID) {
			e.arm(t.ID, deadline)
			slog.Warn("Engine.Sweep: re-armed running timer without a job", "timerID", t.ID, "deadline", deadline)
		}
	}
	return alerts, changed
}

// Flush saves the full snapshot.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persist(ctx, "flush")
}

// Status describes the engine for the status endpoint.
type Status struct {
	Timers        int                        `json:"timers"`
	ByStatus      map[models.TimerStatus]int `json:"by_status"`
	ArmedJobs     int                        `json:"armed_jobs"`
	Jobs          []scheduler.JobInfo        `json:"jobs"`
	PendingSave   bool                       `json:"pending_save"`
	LastSavedAt   *time.Time                 `json:"last_saved_at,omitempty"`
	LastSaveError string                     `json:"last_save_error,omitempty"`
}

// Status returns counts per status, armed jobs and save health.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := e.store.CountByStatus()
	total := 0
	for _, n := range counts {
		total += n
	}
	st := Status{
		Timers:      total,
		ByStatus:    counts,
		ArmedJobs:   e.scheduler.Len(),
		Jobs:        e.scheduler.ListActive(),
		PendingSave: e.dirty,
	}
	if !e.lastSavedAt.IsZero() {
		st.LastSavedAt = models.TimePtr(e.lastSavedAt)
	}
	if e.lastSaveErr != nil {
		st.LastSaveError = e.lastSaveErr.Error()
	}
	return st
}

// getOwned returns the stored timer if owner owns it. Someone else's timer
// is reported as not found.
func (e *Engine) getOwned(owner, id string) (models.Timer, error) {
	t, err := e.store.Get(id)
	if err != nil || t.Owner != owner {
		return models.Timer{}, fmt.Errorf("timer %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

// complete moves t to completed and stores it. Caller holds mu.
func (e *Engine) complete(t models.Timer, now time.Time) models.Timer {
	t.Status = models.TimerStatusCompleted
	t.RemainingSeconds = 0
	t.CompletedAt = models.TimePtr(now)
	t.StartedAt = nil
	t.UpdatedAt = now
	e.store.Put(t)
	return t
}

// arm schedules the completion job for id. Caller holds mu.
func (e *Engine) arm(id string, fireAt time.Time) {
	if err := e.scheduler.Arm(id, fireAt, e.HandleCompletion); err != nil {
		// The sweep finalizes the timer once it is overdue.
		slog.Warn("Engine.arm: completion job not armed", "timerID", id, "error", err)
	}
}

// persist saves the full snapshot. Caller holds mu. A failure is remembered
// so the next sweep retries it; the in-memory change stands.
func (e *Engine) persist(ctx context.Context, op string) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.saveTimeout)
	defer cancel()

	if err := e.gateway.Save(saveCtx, e.store.All()); err != nil {
		e.dirty = true
		e.lastSaveErr = err
		slog.Error("Engine.persist: snapshot save failed", "op", op, "error", err)
		return &models.PersistenceError{Op: op, Err: err}
	}
	if e.dirty {
		slog.Info("Engine.persist: snapshot save recovered", "op", op)
	}
	e.dirty = false
	e.lastSaveErr = nil
	e.lastSavedAt = e.now()
	return nil
}

func (e *Engine) alertFor(t models.Timer, now time.Time, recovered bool) alert.Alert {
	return alert.Alert{
		TimerID:     t.ID,
		Owner:       t.Owner,
		Label:       t.Label,
		AlertSound:  t.AlertSound,
		CustomSound: t.CustomSound,
		Volume:      t.Volume,
		FiredAt:     now,
		Recovered:   recovered,
	}
}

// notify delivers a outside the engine lock. Failures are logged only.
func (e *Engine) notify(ctx context.Context, a alert.Alert) {
	if err := alert.SafeNotify(ctx, e.notifier, a); err != nil {
		slog.Error("Engine.notify: alert delivery failed", "timerID", a.TimerID, "error", err)
	}
}

func statusPtr(s models.TimerStatus) *models.TimerStatus {
	return &s
}
