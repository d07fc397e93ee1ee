// Package api provides HTTP handlers for TimerPipe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/models"
)

// ownerFrom returns the caller's owner id, writing 401 when it is missing.
func ownerFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		slog.Warn("Server.ownerFrom: missing owner header", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing "+OwnerHeader+" header"))
		return "", false
	}
	return owner, true
}

// decodeJSONBody decodes the request body into dst, writing 400 on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, handler string, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, models.ErrValidation) {
			writeEngineError(w, handler, err, nil)
			return false
		}
		slog.Warn("Server."+handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		slog.Warn("Server."+handler+": trailing data after JSON body")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// createTimerHandler handles POST /timers
func (s *Server) createTimerHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var req models.CreateRequest
	if !decodeJSONBody(w, r, "createTimerHandler", &req) {
		return
	}

	t, err := s.engine.Create(r.Context(), owner, req)
	if err != nil {
		writeEngineError(w, "createTimerHandler", err, t)
		return
	}
	slog.Info("Server.createTimerHandler: timer created", "timerID", t.ID, "owner", owner)
	writeJSONResponse(w, http.StatusCreated, models.Success(t))
}

// listTimersHandler handles GET /timers?status=
func (s *Server) listTimersHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var status *models.TimerStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := models.ParseTimerStatus(raw)
		if err != nil {
			writeEngineError(w, "listTimersHandler", err, nil)
			return
		}
		status = &parsed
	}

	timers, err := s.engine.List(owner, status)
	if err != nil {
		writeEngineError(w, "listTimersHandler", err, nil)
		return
	}
	slog.Debug("Server.listTimersHandler: returning timers", "owner", owner, "count", len(timers))
	writeJSONResponse(w, http.StatusOK, models.Success(timers))
}

// getTimerHandler handles GET /timers/{id}
func (s *Server) getTimerHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	t, err := s.engine.Get(owner, r.PathValue("id"))
	if err != nil {
		writeEngineError(w, "getTimerHandler", err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// updateTimerHandler handles PUT /timers/{id}
func (s *Server) updateTimerHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	var patch models.TimerPatch
	if !decodeJSONBody(w, r, "updateTimerHandler", &patch) {
		return
	}

	t, err := s.engine.Update(r.Context(), owner, r.PathValue("id"), patch)
	if err != nil {
		writeEngineError(w, "updateTimerHandler", err, t)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// deleteTimerHandler handles DELETE /timers/{id}
func (s *Server) deleteTimerHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := s.engine.Delete(r.Context(), owner, id); err != nil {
		writeEngineError(w, "deleteTimerHandler", err, nil)
		return
	}
	slog.Info("Server.deleteTimerHandler: timer deleted", "timerID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Timer deleted", nil))
}

// transitionFunc is one of the engine's state transitions.
type transitionFunc func(ctx context.Context, owner, id string) (models.Timer, error)

// transition runs op for the timer in the path.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, handler string, op transitionFunc) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	t, err := op(r.Context(), owner, id)
	if err != nil {
		writeEngineError(w, handler, err, t)
		return
	}
	slog.Debug("Server."+handler+": transition applied", "timerID", id, "status", t.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

// startTimerHandler handles POST /timers/{id}/start
func (s *Server) startTimerHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "startTimerHandler", s.engine.Start)
}

// pauseTimerHandler handles POST /timers/{id}/pause
func (s *Server) pauseTimerHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "pauseTimerHandler", s.engine.Pause)
}

// stopTimerHandler handles POST /timers/{id}/stop
func (s *Server) stopTimerHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "stopTimerHandler", s.engine.Stop)
}

// availableSoundsHandler handles GET /sounds/available
func (s *Server) availableSoundsHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFrom(w, r)
	if !ok {
		return
	}

	sounds, err := s.engine.Sounds(owner)
	if err != nil {
		writeEngineError(w, "availableSoundsHandler", err, nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, sounds)
}

// systemStatusHandler handles GET /system/status
func (s *Server) systemStatusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"engine":     status,
		"started_at": s.startedAt,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
	}))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	status := s.engine.Status()
	if status.PendingSave {
		healthData["status"] = "degraded"
		healthData["error"] = "Last snapshot save failed"
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
