package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Periodic provides cron-based job scheduling for maintenance tasks.
type Periodic struct {
	cron *cron.Cron
}

// NewPeriodic creates a cron runner. Expressions accept an optional leading
// seconds field and descriptors such as "@every 30s". Panicking jobs are
// recovered and a job still running when its next tick arrives is skipped.
func NewPeriodic() *Periodic {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		// Recover must wrap the job directly: SkipIfStillRunning only hands its
		// token back when the wrapped job returns normally.
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	return &Periodic{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (p *Periodic) AddJob(expr string, task func()) error {
	id, err := p.cron.AddFunc(expr, task)
	if err != nil {
		slog.Error("Periodic.AddJob: invalid schedule", "expr", expr, "error", err)
		return err
	}
	slog.Debug("Periodic.AddJob: job added", "expr", expr, "entryID", id)
	return nil
}

// Start runs the scheduler in its own goroutine.
func (p *Periodic) Start() {
	p.cron.Start()
	slog.Debug("Periodic.Start: cron runner started", "entries", len(p.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish or ctx to end.
func (p *Periodic) Stop(ctx context.Context) error {
	done := p.cron.Stop()
	select {
	case <-done.Done():
		slog.Debug("Periodic.Stop: cron runner stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Periodic.Stop: timed out waiting for running jobs", "error", ctx.Err())
		return ctx.Err()
	}
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
