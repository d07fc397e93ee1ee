// Package recovery restores TimerPipe state after a restart.
//
// Components that own durable state implement Recoverable and are registered
// with a Manager, which runs them in order at startup before the API accepts
// requests.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Recoverable defines the interface for components that can recover their state.
type Recoverable interface {
	// RecoverState is called during application startup to restore component state.
	RecoverState(ctx context.Context, registry *Registry) error
}

// Report summarises what one component did during recovery.
type Report struct {
	Component string `json:"component"`
	Loaded    int    `json:"loaded"`
	Kept      int    `json:"kept"`
	Resumed   int    `json:"resumed"`
	Finalized int    `json:"finalized"`
	Skipped   int    `json:"skipped"`
}

// Count tallies a reconcile decision.
func (r *Report) Count(d Decision) {
	switch d.Action {
	case ActionResume:
		r.Resumed++
	case ActionFinalize:
		r.Finalized++
	default:
		r.Kept++
	}
}

// Registry collects reports from components during recovery.
type Registry struct {
	mu      sync.Mutex
	reports []Report
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddReport records a component's recovery report.
func (r *Registry) AddReport(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

// Reports returns every report recorded so far.
func (r *Registry) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

// Manager orchestrates recovery of all registered components.
type Manager struct {
	registry     *Registry
	recoverables []Recoverable
}

// NewManager creates a new recovery manager.
func NewManager() *Manager {
	return &Manager{
		registry:     NewRegistry(),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered.
func (m *Manager) RegisterRecoverable(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered component in registration order.
// A failing component does not stop the others.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, r := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("recovery cancelled: %w", err)
		}
		if err := r.RecoverState(ctx, m.registry); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "error", err, "component", fmt.Sprintf("%T", r))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.recoverables))
	}
	return nil
}

// Registry provides access to the recovery registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}
