// Package ledger manages the SQLite database that records, per entity, the
// fingerprint of the last document successfully written to the remote store.
//
// Only this package may open or query the ledger database. All other packages
// receive a [*Store] and call its methods. Every error returned by a Store
// wraps [model.ErrLedgerUnavailable].
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/rowsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_records (
    kind           TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    fingerprint    TEXT NOT NULL,
    remote_path    TEXT NOT NULL,
    last_synced_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (kind, entity_id)
);
`

// Record is the ledger entry for one entity.
type Record struct {
	Kind         string
	ID           string
	Fingerprint  string
	RemotePath   string
	LastSyncedAt time.Time
}

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path, applies the schema, and
// configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger %q: %w", path, err)
	}

	// Single connection to avoid SQLITE_BUSY under WAL. Calls queue on it
	// briefly; each touches one row.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the ledger is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pinging ledger", err)
	}
	return nil
}

// Get returns the record for (kind, id), or (nil, nil) if none exists.
func (s *Store) Get(ctx context.Context, kind, id string) (*Record, error) {
	const q = `
		SELECT kind, entity_id, fingerprint, remote_path, last_synced_at
		FROM sync_records WHERE kind = ? AND entity_id = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, kind, id))
	if err != nil {
		return nil, unavailable(fmt.Sprintf("reading %s/%s", kind, id), err)
	}
	return rec, nil
}

// List returns every record of the given kind.
func (s *Store) List(ctx context.Context, kind string) ([]*Record, error) {
	const q = `
		SELECT kind, entity_id, fingerprint, remote_path, last_synced_at
		FROM sync_records WHERE kind = ? ORDER BY entity_id`
	rows, err := s.db.QueryContext(ctx, q, kind)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("listing kind %q", kind), err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable(fmt.Sprintf("listing kind %q", kind), err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Sprintf("listing kind %q", kind), err)
	}
	return recs, nil
}

// Upsert inserts or replaces the record keyed by (Kind, ID).
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	const q = `
		INSERT INTO sync_records (kind, entity_id, fingerprint, remote_path, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET
		    fingerprint    = excluded.fingerprint,
		    remote_path    = excluded.remote_path,
		    last_synced_at = excluded.last_synced_at`
	_, err := s.db.ExecContext(ctx, q,
		rec.Kind,
		rec.ID,
		rec.Fingerprint,
		rec.RemotePath,
		formatTime(rec.LastSyncedAt),
	)
	if err != nil {
		return unavailable(fmt.Sprintf("upserting %s/%s", rec.Kind, rec.ID), err)
	}
	return nil
}

// Remove deletes the record for (kind, id). Removing an absent record is not an error.
func (s *Store) Remove(ctx context.Context, kind, id string) error {
	const q = `DELETE FROM sync_records WHERE kind = ? AND entity_id = ?`
	if _, err := s.db.ExecContext(ctx, q, kind, id); err != nil {
		return unavailable(fmt.Sprintf("removing %s/%s", kind, id), err)
	}
	return nil
}

// Counts returns the number of records per kind.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM sync_records GROUP BY kind`)
	if err != nil {
		return nil, unavailable("counting records", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, unavailable("counting records", err)
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("counting records", err)
	}
	return counts, nil
}

// --- helpers -----------------------------------------------------------------

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrLedgerUnavailable, err)
}

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var syncedAt string

	err := s.Scan(&rec.Kind, &rec.ID, &rec.Fingerprint, &rec.RemotePath, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	if rec.LastSyncedAt, err = parseTime(syncedAt); err != nil {
		slog.Debug("ignoring unparsable last_synced_at",
			"kind", rec.Kind, "id", rec.ID, "value", syncedAt, "error", err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
