package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/TimerPipe/internal/models"
)

// SnapshotVersion is the current version of the JSON snapshot format.
const SnapshotVersion = 1

// DefaultDirPermissions defines the default permissions for state directories.
const DefaultDirPermissions = 0755

// snapshotDocument is the on-disk JSON layout: one record per timer keyed by id.
type snapshotDocument struct {
	Version int                     `json:"version"`
	SavedAt time.Time               `json:"saved_at"`
	Timers  map[string]models.Timer `json:"timers"`
}

// JSONFileGateway stores the snapshot as a JSON document. Writes go to a
// temporary file in the same directory which is synced and then renamed over
// the target, so a failed write never truncates the previous snapshot.
type JSONFileGateway struct {
	mu   sync.Mutex
	path string
}

// NewJSONFileGateway creates a gateway writing to the configured path.
func NewJSONFileGateway(opts ...Option) (*JSONFileGateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("snapshot path not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("JSONFileGateway: failed to create snapshot directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	slog.Debug("JSONFileGateway: snapshot directory verified/created", "dir", dir)
	return &JSONFileGateway{path: cfg.DSN}, nil
}

// Path returns the snapshot file path.
func (g *JSONFileGateway) Path() string {
	return g.path
}

// Save writes timers atomically.
func (g *JSONFileGateway) Save(ctx context.Context, timers []models.Timer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := snapshotDocument{
		Version: SnapshotVersion,
		SavedAt: time.Now().UTC(),
		Timers:  make(map[string]models.Timer, len(timers)),
	}
	for _, t := range timers {
		doc.Timers[t.ID] = t
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := writeFileAtomic(g.path, data); err != nil {
		slog.Error("JSONFileGateway.Save failed", "error", err, "path", g.path)
		return err
	}
	slog.Debug("JSONFileGateway.Save succeeded", "path", g.path, "count", len(timers))
	return nil
}

// Load reads the snapshot. A missing or empty file yields no timers.
func (g *JSONFileGateway) Load(ctx context.Context) ([]models.Timer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	data, err := os.ReadFile(g.path)
	g.mu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("JSONFileGateway.Load: no snapshot yet", "path", g.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", g.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		slog.Debug("JSONFileGateway.Load: snapshot is empty", "path", g.path)
		return nil, nil
	}

	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", g.path, err)
	}
	if doc.Version > SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", doc.Version, SnapshotVersion)
	}

	timers := make([]models.Timer, 0, len(doc.Timers))
	for id, t := range doc.Timers {
		if t.ID == "" {
			t.ID = id
		}
		timers = append(timers, t)
	}
	sortTimers(timers)
	slog.Debug("JSONFileGateway.Load succeeded", "path", g.path, "count", len(timers))
	return timers, nil
}

// Close is a no-op for file snapshots.
func (g *JSONFileGateway) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	// Persist the rename itself; not all platforms allow syncing a directory.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			slog.Debug("writeFileAtomic: directory sync failed", "error", err, "dir", dir)
		}
		d.Close()
	}
	return nil
}
