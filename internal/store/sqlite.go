// Package store provides storage backends for TimerPipe.
//
// This file implements an SQLite-backed snapshot gateway.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/TimerPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteGateway persists timer snapshots in an SQLite database file.
type SQLiteGateway struct {
	db *sql.DB
}

// NewSQLiteGateway creates a new SQLite gateway with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteGateway(opts ...Option) (*SQLiteGateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteGateway invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteGateway DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteGateway{db: db}, nil
}

// Save replaces the stored snapshot in a single transaction.
func (g *SQLiteGateway) Save(ctx context.Context, timers []models.Timer) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteGateway Save begin failed", "error", err)
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM timers`); err != nil {
		slog.Error("SQLiteGateway Save clear failed", "error", err)
		return fmt.Errorf("failed to clear timers: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO timers (`+timerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare timer insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range timers {
		_, err := stmt.ExecContext(ctx,
			t.ID, t.Owner, t.Label, t.DurationSeconds, t.RemainingSeconds, string(t.Status), t.AlertSound, nilIfEmpty(t.CustomSound),
			t.Volume, formatTimePtr(t.StartedAt), formatTimePtr(t.PausedAt), formatTimePtr(t.CompletedAt),
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			slog.Error("SQLiteGateway Save insert failed", "error", err, "timerID", t.ID)
			return fmt.Errorf("failed to insert timer %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteGateway Save commit failed", "error", err)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	slog.Debug("SQLiteGateway Save succeeded", "count", len(timers))
	return nil
}

// Load returns every stored timer.
func (g *SQLiteGateway) Load(ctx context.Context) ([]models.Timer, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT `+timerColumns+` FROM timers ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteGateway Load query failed", "error", err)
		return nil, fmt.Errorf("failed to query timers: %w", err)
	}
	defer rows.Close()

	var timers []models.Timer
	for rows.Next() {
		t, err := scanTimerText(rows)
		if err != nil {
			slog.Error("SQLiteGateway Load scan failed", "error", err)
			return nil, err
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteGateway Load rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate timer rows: %w", err)
	}
	slog.Debug("SQLiteGateway Load succeeded", "count", len(timers))
	return timers, nil
}

// Close closes the SQLite database connection.
func (g *SQLiteGateway) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := g.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
