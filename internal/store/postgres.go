// Package store provides storage backends for TimerPipe.
//
// This file implements a PostgreSQL-backed snapshot gateway.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TimerPipe/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresGateway persists timer snapshots in PostgreSQL.
type PostgresGateway struct {
	db *sql.DB
}

// NewPostgresGateway creates a new Postgres gateway based on provided options.
func NewPostgresGateway(opts ...Option) (*PostgresGateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresGateway.NewPostgresGateway: creating Postgres gateway", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresGateway DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresGateway{db: db}, nil
}

// Save upserts every timer and deletes rows for timers no longer present,
// all in one transaction.
func (g *PostgresGateway) Save(ctx context.Context, timers []models.Timer) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("PostgresGateway Save begin failed", "error", err)
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO timers (`+timerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id)
		DO UPDATE SET
			label = EXCLUDED.label,
			duration_seconds = EXCLUDED.duration_seconds,
			remaining_seconds = EXCLUDED.remaining_seconds,
			status = EXCLUDED.status,
			alert_sound = EXCLUDED.alert_sound,
			custom_sound = EXCLUDED.custom_sound,
			volume = EXCLUDED.volume,
			started_at = EXCLUDED.started_at,
			paused_at = EXCLUDED.paused_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare timer upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, 0, len(timers))
	for _, t := range timers {
		_, err := stmt.ExecContext(ctx,
			t.ID, t.Owner, t.Label, t.DurationSeconds, t.RemainingSeconds, string(t.Status), t.AlertSound, nilIfEmpty(t.CustomSound),
			t.Volume, timePtrArg(t.StartedAt), timePtrArg(t.PausedAt), timePtrArg(t.CompletedAt),
			t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			slog.Error("PostgresGateway Save upsert failed", "error", err, "timerID", t.ID)
			return fmt.Errorf("failed to upsert timer %s: %w", t.ID, err)
		}
		ids = append(ids, t.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE NOT (id = ANY($1))`, pq.Array(ids)); err != nil {
		slog.Error("PostgresGateway Save prune failed", "error", err)
		return fmt.Errorf("failed to prune deleted timers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("PostgresGateway Save commit failed", "error", err)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	slog.Debug("PostgresGateway Save succeeded", "count", len(timers))
	return nil
}

// Load returns every stored timer.
func (g *PostgresGateway) Load(ctx context.Context) ([]models.Timer, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT `+timerColumns+` FROM timers ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresGateway Load query failed", "error", err)
		return nil, fmt.Errorf("failed to query timers: %w", err)
	}
	defer rows.Close()

	var timers []models.Timer
	for rows.Next() {
		t, err := scanTimerNative(rows)
		if err != nil {
			slog.Error("PostgresGateway Load scan failed", "error", err)
			return nil, err
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresGateway Load rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate timer rows: %w", err)
	}
	slog.Debug("PostgresGateway Load succeeded", "count", len(timers))
	return timers, nil
}

// Close closes the PostgreSQL database connection.
func (g *PostgresGateway) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := g.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
