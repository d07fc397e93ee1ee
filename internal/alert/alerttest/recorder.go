// Package alerttest provides an in-memory alert.Notifier for tests.
package alerttest

import (
	"context"
	"sync"

	"github.com/BTreeMap/TimerPipe/internal/alert"
)

// Recorder keeps every alert it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

// Notify records a.
func (r *Recorder) Notify(ctx context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

// Count returns the number of alerts recorded for timerID.
func (r *Recorder) Count(timerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.TimerID == timerID {
			n++
		}
	}
	return n
}
