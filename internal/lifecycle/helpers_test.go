package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/alert/alerttest"
	"github.com/BTreeMap/TimerPipe/internal/clock"
	"github.com/BTreeMap/TimerPipe/internal/models"
	"github.com/BTreeMap/TimerPipe/internal/scheduler"
	"github.com/BTreeMap/TimerPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

const owner = "alice"

// memGateway is an in-memory Gateway whose saves can be made to fail.
type memGateway struct {
	mu      sync.Mutex
	timers  []models.Timer
	saves   int
	saveErr error
	loadErr error
}

func (g *memGateway) Save(ctx context.Context, timers []models.Timer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	g.timers = make([]models.Timer, len(timers))
	for i, t := range timers {
		g.timers[i] = t.Clone()
	}
	g.saves++
	return nil
}

func (g *memGateway) Load(ctx context.Context) ([]models.Timer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return nil, g.loadErr
	}
	out := make([]models.Timer, len(g.timers))
	for i, t := range g.timers {
		out[i] = t.Clone()
	}
	return out, nil
}

func (g *memGateway) Close() error { return nil }

func (g *memGateway) setSaveErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saveErr = err
}

func (g *memGateway) saveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saves
}

// persisted returns the last saved record for id.
func (g *memGateway) persisted(id string) (models.Timer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.timers {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return models.Timer{}, false
}

type harness struct {
	engine *Engine
	clock  clock.FakeClock
	gw     *memGateway
	sched  *scheduler.Scheduler
	alerts *alerttest.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithGateway(t, &memGateway{}, epoch, opts...)
}

func newHarnessWithGateway(t *testing.T, gw *memGateway, at time.Time, opts ...Option) *harness {
	t.Helper()
	fc := clock.NewFake(at)
	sched := scheduler.New(fc)
	t.Cleanup(sched.Stop)
	rec := &alerttest.Recorder{}

	all := append([]Option{WithClock(fc), WithNotifier(rec)}, opts...)
	e, err := NewEngine(store.NewMemoryStore(), gw, sched, all...)
	require.NoError(t, err)
	return &harness{engine: e, clock: fc, gw: gw, sched: sched, alerts: rec}
}

func (h *harness) create(t *testing.T, duration int) models.Timer {
	t.Helper()
	tm, err := h.engine.Create(context.Background(), owner, models.CreateRequest{
		Label:           "Tea",
		DurationSeconds: duration,
	})
	require.NoError(t, err)
	return tm
}

func (h *harness) start(t *testing.T, id string) models.Timer {
	t.Helper()
	tm, err := h.engine.Start(context.Background(), owner, id)
	require.NoError(t, err)
	return tm
}

func (h *harness) get(t *testing.T, id string) models.Timer {
	t.Helper()
	tm, err := h.engine.Get(owner, id)
	require.NoError(t, err)
	return tm
}

func (h *harness) list(t *testing.T, who string, status *models.TimerStatus) []models.Timer {
	t.Helper()
	timers, err := h.engine.List(who, status)
	require.NoError(t, err)
	return timers
}

// waitForStatus waits for an asynchronous completion to land.
func (h *harness) waitForStatus(t *testing.T, id string, status models.TimerStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		tm, err := h.engine.Get(owner, id)
		return err == nil && tm.Status == status
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) waitForAlerts(t *testing.T, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.alerts.Count(id) == n }, time.Second, 5*time.Millisecond)
}

// assertJobIffRunning checks that exactly the running timers have an armed job.
func (h *harness) assertJobIffRunning(t *testing.T) {
	t.Helper()
	running := 0
	for _, tm := range h.engine.store.All() {
		_, armed := h.sched.Armed(tm.ID)
		isRunning := tm.Status == models.TimerStatusRunning
		assert.Equal(t, isRunning, armed, "timer %s status %s armed %v", tm.ID, tm.Status, armed)
		if isRunning {
			running++
		}
	}
	assert.Equal(t, running, h.sched.Len())
}
