package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TimerPipe/internal/models"
)

// Gateway persists full snapshots of the timer store.
type Gateway interface {
	// Save durably replaces the stored snapshot with timers. A failed Save
	// must leave the previous snapshot intact.
	Save(ctx context.Context, timers []models.Timer) error
	// Load returns every stored timer, or none if no snapshot exists.
	Load(ctx context.Context) ([]models.Timer, error)
	// Close releases the backend.
	Close() error
}

// DSN types recognised by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
	DSNTypeJSON     = "json"
)

// DetectDSNType classifies a DSN as postgres, json, or sqlite.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "host="):
		return DSNTypePostgres
	case strings.HasSuffix(lower, ".json"):
		return DSNTypeJSON
	default:
		return DSNTypeSQLite
	}
}

// Opts holds configuration options for gateways.
type Opts struct {
	DSN string
}

// Option defines a configuration option for gateways.
type Option func(*Opts)

// WithDSN sets the backend connection string or file path.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithJSONPath sets a JSON snapshot file path.
func WithJSONPath(path string) Option {
	return WithDSN(path)
}

// NewGateway opens the backend matching the configured DSN.
func NewGateway(opts ...Option) (Gateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	kind := DetectDSNType(cfg.DSN)
	slog.Debug("NewGateway: selecting backend", "type", kind)
	var (
		gw  Gateway
		err error
	)
	switch kind {
	case DSNTypePostgres:
		gw, err = NewPostgresGateway(opts...)
	case DSNTypeJSON:
		gw, err = NewJSONFileGateway(opts...)
	default:
		gw, err = NewSQLiteGateway(opts...)
	}
	if err != nil {
		return nil, err
	}
	return gw, nil
}
