// Package store provides storage for TimerPipe timers.
//
// MemoryStore is the in-process source of truth for timer state. Durable
// snapshots are written through a Gateway: a JSON file, SQLite, or
// PostgreSQL backend selected from the configured DSN.
package store

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/TimerPipe/internal/models"
)

// ListFilter narrows MemoryStore.List results.
type ListFilter struct {
	Status *models.TimerStatus
}

// MemoryStore is a thread-safe map of timer id to Timer.
// Values are copied in and out so no caller aliases stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	timers map[string]models.Timer
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[string]models.Timer)}
}

// Get returns the timer with the given id or models.ErrNotFound.
func (s *MemoryStore) Get(id string) (models.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[id]
	if !ok {
		return models.Timer{}, models.ErrNotFound
	}
	return t.Clone(), nil
}

// Put inserts or replaces a timer.
func (s *MemoryStore) Put(t models.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[t.ID] = t.Clone()
}

// Delete removes a timer. Deleting an unknown id is a no-op.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

// List returns the timers of owner, or of every owner when owner is empty,
// sorted by creation time.
func (s *MemoryStore) List(owner string, filter ListFilter) []models.Timer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Timer, 0)
	for _, t := range s.timers {
		if owner != "" && t.Owner != owner {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		result = append(result, t.Clone())
	}
	sortTimers(result)
	return result
}

// All returns a copy of every timer, sorted by creation time.
func (s *MemoryStore) All() []models.Timer {
	return s.List("", ListFilter{})
}

// Replace discards the current contents and loads timers.
func (s *MemoryStore) Replace(timers []models.Timer) {
	next := make(map[string]models.Timer, len(timers))
	for _, t := range timers {
		next[t.ID] = t.Clone()
	}
	s.mu.Lock()
	s.timers = next
	s.mu.Unlock()
	slog.Debug("MemoryStore.Replace: loaded timers", "count", len(next))
}

// Len returns the number of stored timers.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}

// CountByStatus returns the number of timers per status.
func (s *MemoryStore) CountByStatus() map[models.TimerStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TimerStatus]int, len(models.AllTimerStatuses))
	for _, st := range models.AllTimerStatuses {
		counts[st] = 0
	}
	for _, t := range s.timers {
		counts[t.Status]++
	}
	return counts
}

func sortTimers(timers []models.Timer) {
	sort.Slice(timers, func(i, j int) bool {
		if timers[i].CreatedAt.Equal(timers[j].CreatedAt) {
			return timers[i].ID < timers[j].ID
		}
		return timers[i].CreatedAt.Before(timers[j].CreatedAt)
	})
}
