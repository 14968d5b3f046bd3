// Package db is the optional export journal: a small Postgres store
// recording one row per export run plus a kv table for operational state.
// The journal is entirely optional; with DB_DSN unset the service runs
// without it and nothing in the relay or export path depends on it. The
// relay queue itself is never persisted.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection using DB_DSN. An empty DB_DSN returns
// (nil, nil): the journal is simply disabled.
func Connect() (*sql.DB, error) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		return nil, nil
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for the journal tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS export_runs (
			id SERIAL PRIMARY KEY,
			run_id TEXT UNIQUE,
			scope TEXT,
			guild_id TEXT,
			channel_id TEXT,
			row_count INTEGER DEFAULT 0,
			bytes BIGINT DEFAULT 0,
			path TEXT,
			delivered BOOLEAN DEFAULT FALSE,
			error TEXT,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_run_id ON export_runs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_started ON export_runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_export_runs_channel ON export_runs(channel_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// ExportRun is one journal row.
type ExportRun struct {
	RunID      string    `json:"run_id"`
	Scope      string    `json:"scope"` // "channel" or "guild"
	GuildID    string    `json:"guild_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	RowCount   int       `json:"rows"`
	Bytes      int64     `json:"bytes"`
	Path       string    `json:"path"`
	Delivered  bool      `json:"delivered"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordExport inserts or updates the journal row for a run. Upsert keyed on
// run_id so a run can be recorded at start and finalized at completion.
func RecordExport(ctx context.Context, dbx *sql.DB, r ExportRun) error {
	q := `INSERT INTO export_runs(run_id, scope, guild_id, channel_id, row_count, bytes, path, delivered, error, started_at, finished_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		  ON CONFLICT(run_id) DO UPDATE SET
		    row_count=EXCLUDED.row_count,
		    bytes=EXCLUDED.bytes,
		    path=EXCLUDED.path,
		    delivered=EXCLUDED.delivered,
		    error=EXCLUDED.error,
		    finished_at=EXCLUDED.finished_at`
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt
	}
	_, err := dbx.ExecContext(ctx, q, r.RunID, r.Scope, r.GuildID, r.ChannelID,
		r.RowCount, r.Bytes, r.Path, r.Delivered, r.Error, r.StartedAt, finished)
	return err
}

// RecentExports returns the most recent runs, newest first.
func RecentExports(ctx context.Context, dbx *sql.DB, limit int) ([]ExportRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := dbx.QueryContext(ctx,
		`SELECT run_id, scope, guild_id, COALESCE(channel_id,''), row_count, bytes, COALESCE(path,''),
		        delivered, COALESCE(error,''), started_at, COALESCE(finished_at, started_at)
		 FROM export_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRun
	for rows.Next() {
		var r ExportRun
		if err := rows.Scan(&r.RunID, &r.Scope, &r.GuildID, &r.ChannelID, &r.RowCount,
			&r.Bytes, &r.Path, &r.Delivered, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetKV stores one operational key (e.g. last successful export timestamp).
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV reads one operational key; missing keys yield an empty string.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
