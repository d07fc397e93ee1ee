package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/alert/alerttest"
	"github.com/BTreeMap/TimerPipe/internal/clock"
	"github.com/BTreeMap/TimerPipe/internal/lifecycle"
	"github.com/BTreeMap/TimerPipe/internal/models"
	"github.com/BTreeMap/TimerPipe/internal/scheduler"
	"github.com/BTreeMap/TimerPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// flakyGateway fails every Save while failing is set.
type flakyGateway struct {
	mu      sync.Mutex
	failing bool
}

func (g *flakyGateway) Save(ctx context.Context, timers []models.Timer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failing {
		return errors.New("disk full")
	}
	return nil
}

func (g *flakyGateway) Load(ctx context.Context) ([]models.Timer, error) { return nil, nil }
func (g *flakyGateway) Close() error                                       { return nil }

type testServer struct {
	server *Server
	clock  clock.FakeClock
	alerts *alerttest.Recorder
}

func newTestServer(t *testing.T, gw store.Gateway) *testServer {
	t.Helper()
	if gw == nil {
		var err error
		gw, err = store.NewJSONFileGateway(store.WithJSONPath(filepath.Join(t.TempDir(), "timers.json")))
		require.NoError(t, err)
	}
	fc := clock.NewFake(epoch)
	sched := scheduler.New(fc)
	t.Cleanup(sched.Stop)
	rec := &alerttest.Recorder{}
	engine, err := lifecycle.NewEngine(store.NewMemoryStore(), gw, sched,
		lifecycle.WithClock(fc), lifecycle.WithNotifier(rec))
	require.NoError(t, err)
	return &testServer{server: NewServer(engine), clock: fc, alerts: rec}
}

// apiResult mirrors models.APIResponse with a typed result.
type apiResult[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

func (ts *testServer) do(t *testing.T, method, path, owner, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) apiResult[T] {
	t.Helper()
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var out apiResult[T]
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func (ts *testServer) createTimer(t *testing.T, owner, body string) models.Timer {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/timers", owner, body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[models.Timer](t, rr).Result
}

func TestCreateTimerHandler(t *testing.T) {
	ts := newTestServer(t, nil)

	got := ts.createTimer(t, "alice", `{"label":"Tea","duration_seconds":180}`)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, models.TimerStatusCreated, got.Status)
	assert.Equal(t, 180, got.RemainingSeconds)
	assert.Equal(t, models.DefaultAlertSound, got.AlertSound)
	assert.InDelta(t, models.DefaultVolume, got.Volume, 1e-9)
}

func TestCreateTimerHandler_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name   string
		owner  string
		body   string
		status int
	}{
		{"missing owner", "", `{"label":"Tea","duration_seconds":60}`, http.StatusUnauthorized},
		{"malformed json", "alice", `{"label":`, http.StatusBadRequest},
		{"unknown field", "alice", `{"label":"Tea","duration_seconds":60,"colour":"red"}`, http.StatusBadRequest},
		{"trailing data", "alice", `{"label":"Tea","duration_seconds":60}{}`, http.StatusBadRequest},
		{"zero duration", "alice", `{"label":"Tea","duration_seconds":0}`, http.StatusUnprocessableEntity},
		{"too long", "alice", `{"label":"Tea","duration_seconds":86401}`, http.StatusUnprocessableEntity},
		{"empty label", "alice", `{"label":"","duration_seconds":60}`, http.StatusUnprocessableEntity},
		{"volume out of range", "alice", `{"label":"Tea","duration_seconds":60,"volume":1.5}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/timers", tt.owner, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			res := decode[any](t, rr)
			assert.Equal(t, string(models.APIStatusError), res.Status)
			assert.NotEmpty(t, res.Message)
		})
	}
	timers, err := ts.server.engine.List("alice", nil)
	require.NoError(t, err)
	assert.Empty(t, timers, "rejected requests create nothing")
}

func TestTimerLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	tm := ts.createTimer(t, "alice", `{"label":"Eggs","duration_seconds":100}`)
	base := "/timers/" + tm.ID

	rr := ts.do(t, http.MethodPost, base+"/start", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, models.TimerStatusRunning, decode[models.Timer](t, rr).Result.Status)

	ts.clock.Advance(40 * time.Second)

	rr = ts.do(t, http.MethodGet, base, "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 60, decode[models.Timer](t, rr).Result.RemainingSeconds)

	rr = ts.do(t, http.MethodPost, base+"/pause", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	paused := decode[models.Timer](t, rr).Result
	assert.Equal(t, models.TimerStatusPaused, paused.Status)
	assert.Equal(t, 60, paused.RemainingSeconds)

	rr = ts.do(t, http.MethodPost, base+"/pause", "alice", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPost, base+"/stop", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.TimerStatusCancelled, decode[models.Timer](t, rr).Result.Status)

	rr = ts.do(t, http.MethodPost, base+"/start", "alice", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCompletionThroughAPI(t *testing.T) {
	ts := newTestServer(t, nil)
	tm := ts.createTimer(t, "alice", `{"label":"Pasta","duration_seconds":5}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/timers/"+tm.ID+"/start", "alice", "").Code)

	ts.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return ts.alerts.Count(tm.ID) == 1 }, time.Second, 5*time.Millisecond)

	rr := ts.do(t, http.MethodGet, "/timers/"+tm.ID, "alice", "")
	got := decode[models.Timer](t, rr).Result
	assert.Equal(t, models.TimerStatusCompleted, got.Status)
	assert.Equal(t, 0, got.RemainingSeconds)
}

func TestListTimersHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.createTimer(t, "alice", `{"label":"One","duration_seconds":60}`)
	ts.createTimer(t, "alice", `{"label":"Two","duration_seconds":60}`)
	ts.createTimer(t, "bob", `{"label":"Bob's","duration_seconds":60}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/timers/"+a.ID+"/start", "alice", "").Code)

	rr := ts.do(t, http.MethodGet, "/timers", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]models.Timer](t, rr).Result, 2)

	rr = ts.do(t, http.MethodGet, "/timers?status=running", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	running := decode[[]models.Timer](t, rr).Result
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	rr = ts.do(t, http.MethodGet, "/timers?status=sleeping", "alice", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = ts.do(t, http.MethodGet, "/timers", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestOwnerScoping(t *testing.T) {
	ts := newTestServer(t, nil)
	tm := ts.createTimer(t, "alice", `{"label":"Private","duration_seconds":60}`)

	for _, req := range []struct{ method, path, body string }{
		{http.MethodGet, "/timers/" + tm.ID, ""},
		{http.MethodPut, "/timers/" + tm.ID, `{"label":"Mine now"}`},
		{http.MethodPost, "/timers/" + tm.ID + "/start", ""},
		{http.MethodDelete, "/timers/" + tm.ID, ""},
	} {
		rr := ts.do(t, req.method, req.path, "mallory", req.body)
		assert.Equal(t, http.StatusNotFound, rr.Code, "%s %s", req.method, req.path)
	}

	rr := ts.do(t, http.MethodGet, "/timers/"+tm.ID, "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Private", decode[models.Timer](t, rr).Result.Label)
}

func TestUpdateTimerHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	tm := ts.createTimer(t, "alice", `{"label":"Soup","duration_seconds":600}`)
	path := "/timers/" + tm.ID

	rr := ts.do(t, http.MethodPut, path, "alice", `{"label":"Stew","duration_seconds":900,"volume":0.2}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got := decode[models.Timer](t, rr).Result
	assert.Equal(t, "Stew", got.Label)
	assert.Equal(t, 900, got.RemainingSeconds)
	assert.InDelta(t, 0.2, got.Volume, 1e-9)

	rr = ts.do(t, http.MethodPut, path, "alice", `{"duration_seconds":-1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, path+"/start", "alice", "").Code)
	rr = ts.do(t, http.MethodPut, path, "alice", `{"label":"Frozen"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = ts.do(t, http.MethodPut, path, "alice", `{"volume":0.9}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.InDelta(t, 0.9, decode[models.Timer](t, rr).Result.Volume, 1e-9)

	rr = ts.do(t, http.MethodPut, "/timers/missing", "alice", `{"volume":0.9}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteTimerHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	tm := ts.createTimer(t, "alice", `{"label":"Gone","duration_seconds":60}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/timers/"+tm.ID+"/start", "alice", "").Code)

	rr := ts.do(t, http.MethodDelete, "/timers/"+tm.ID, "alice", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Timer deleted", decode[any](t, rr).Message)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/timers/"+tm.ID, "alice", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/timers/"+tm.ID, "alice", "").Code)
	assert.Equal(t, 0, ts.server.engine.Status().ArmedJobs)
}

func TestPersistenceFailureReturnsAppliedTimer(t *testing.T) {
	gw := &flakyGateway{}
	ts := newTestServer(t, gw)
	tm := ts.createTimer(t, "alice", `{"label":"Rice","duration_seconds":60}`)

	gw.mu.Lock()
	gw.failing = true
	gw.mu.Unlock()

	rr := ts.do(t, http.MethodPost, "/timers/"+tm.ID+"/start", "alice", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	res := decode[models.Timer](t, rr)
	assert.Equal(t, string(models.APIStatusError), res.Status)
	assert.Contains(t, res.Message, "applied in memory")
	assert.Equal(t, models.TimerStatusRunning, res.Result.Status, "change kept despite failed save")

	rr = ts.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health["status"])
}

func TestAvailableSoundsHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.createTimer(t, "alice", `{"label":"A","duration_seconds":60,"alert_sound":"custom","custom_sound":"/sounds/gong.mp3"}`)
	ts.createTimer(t, "alice", `{"label":"B","duration_seconds":60,"alert_sound":"custom","custom_sound":"/sounds/gong.mp3"}`)
	ts.createTimer(t, "alice", `{"label":"C","duration_seconds":60}`)
	ts.createTimer(t, "bob", `{"label":"D","duration_seconds":60,"alert_sound":"custom","custom_sound":"/sounds/horn.wav"}`)

	rr := ts.do(t, http.MethodGet, "/sounds/available", "alice", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var sounds models.AvailableSounds
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sounds))
	assert.Equal(t, []string{"chime", "bell", "beep", "nature", "digital"}, sounds.Default)
	assert.Equal(t, []string{"/sounds/gong.mp3"}, sounds.Custom, "only the caller's sounds, deduplicated")

	rr = ts.do(t, http.MethodGet, "/sounds/available", "carol", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"custom":[]`)

	rr = ts.do(t, http.MethodGet, "/sounds/available", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSystemStatusHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	a := ts.createTimer(t, "alice", `{"label":"A","duration_seconds":60}`)
	ts.createTimer(t, "bob", `{"label":"B","duration_seconds":60}`)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/timers/"+a.ID+"/start", "alice", "").Code)

	rr := ts.do(t, http.MethodGet, "/system/status", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[struct {
		Engine lifecycle.Status `json:"engine"`
		Uptime string           `json:"uptime"`
	}](t, rr)
	assert.Equal(t, 2, res.Result.Engine.Timers)
	assert.Equal(t, 1, res.Result.Engine.ByStatus[models.TimerStatusRunning])
	assert.Equal(t, 1, res.Result.Engine.ArmedJobs)
	require.Len(t, res.Result.Engine.Jobs, 1)
	assert.Equal(t, a.ID, res.Result.Engine.Jobs[0].ID)
	assert.False(t, res.Result.Engine.PendingSave)
	assert.NotEmpty(t, res.Result.Uptime)
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.NotEmpty(t, health["timestamp"])
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPatch, "/timers", "alice", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServeAndShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ts.server.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ts.server.Shutdown(ctx))
	assert.NoError(t, <-done)
}
