// Package source reads entities from the relational database.
//
// A [Reader] owns a scoped database handle (open, use, close) and one
// parameterised query per entity kind. Reads run inside a read-only
// transaction so each kind is fetched from a single consistent snapshot.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/rowsync/internal/model"
)

// Query describes how rows of one kind are selected.
type Query struct {
	Kind string

	// SQL uses "?" placeholders; they are rebound for the driver in use.
	SQL  string
	Args []any

	// IDColumn names the key column. Defaults to "id".
	IDColumn string

	// KeepIDField keeps the key column among the entity's fields.
	KeepIDField bool
}

// Reader executes per-kind queries. It never writes to the source.
type Reader struct {
	db      *sqlx.DB
	queries map[string]Query
	order   []string
	log     *slog.Logger
}

// Open connects to the source database. The connection is established lazily;
// an unreachable database surfaces as [model.ErrSourceUnavailable] on Fetch.
func Open(driver, dsn string, queries []Query, logger *slog.Logger) (*Reader, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s source: %w", driver, err)
	}
	return New(db, queries, logger), nil
}

// New wraps an existing handle. The Reader takes ownership of db.
func New(db *sqlx.DB, queries []Query, logger *slog.Logger) *Reader {
	r := &Reader{
		db:      db,
		queries: make(map[string]Query, len(queries)),
		log:     logger,
	}
	for _, q := range queries {
		if q.IDColumn == "" {
			q.IDColumn = "id"
		}
		r.queries[q.Kind] = q
		r.order = append(r.order, q.Kind)
	}
	return r
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Kinds returns the configured kinds in configuration order.
func (r *Reader) Kinds() []string {
	return slices.Clone(r.order)
}

// Fetch returns a lazy sequence of the current entities of kind. Ranging over
// the sequence again re-runs the query. Errors wrapping
// [model.ErrSourceUnavailable] end the sequence; errors wrapping
// [model.ErrMapping] concern a single row and the sequence continues.
func (r *Reader) Fetch(ctx context.Context, kind string) iter.Seq2[model.Entity, error] {
	return func(yield func(model.Entity, error) bool) {
		q, ok := r.queries[kind]
		if !ok {
			yield(model.Entity{Kind: kind}, fmt.Errorf("no query configured for kind %q: %w", kind, model.ErrSourceUnavailable))
			return
		}

		tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			yield(model.Entity{Kind: kind}, unavailable(kind, "beginning read transaction", err))
			return
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryxContext(ctx, tx.Rebind(q.SQL), q.Args...)
		if err != nil {
			yield(model.Entity{Kind: kind}, unavailable(kind, "querying", err))
			return
		}
		defer func() { _ = rows.Close() }()

		cols, err := rows.Columns()
		if err != nil {
			yield(model.Entity{Kind: kind}, unavailable(kind, "reading columns", err))
			return
		}
		idIdx := slices.Index(cols, q.IDColumn)
		if idIdx < 0 {
			yield(model.Entity{Kind: kind}, fmt.Errorf("kind %q: id column %q not in result %v: %w",
				kind, q.IDColumn, cols, model.ErrSourceUnavailable))
			return
		}

		n := 0
		for rows.Next() {
			vals, err := rows.SliceScan()
			if err != nil {
				yield(model.Entity{Kind: kind}, unavailable(kind, "scanning row", err))
				return
			}
			n++

			id, err := model.FormatID(vals[idIdx])
			if err != nil {
				if !yield(model.Entity{Kind: kind}, fmt.Errorf("kind %q row %d: %v: %w", kind, n, err, model.ErrMapping)) {
					return
				}
				continue
			}

			e := model.Entity{Kind: kind, ID: id, Fields: make([]model.Field, 0, len(cols))}
			for i, col := range cols {
				if i == idIdx && !q.KeepIDField {
					continue
				}
				v := vals[i]
				if b, isBytes := v.([]byte); isBytes {
					v = string(b)
				}
				e.Fields = append(e.Fields, model.Field{Name: col, Value: v})
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Entity{Kind: kind}, unavailable(kind, "iterating rows", err))
			return
		}
		r.log.Debug("source fetch complete", "kind", kind, "rows", n)
	}
}

func unavailable(kind, op string, err error) error {
	return fmt.Errorf("kind %q: %s: %w: %w", kind, op, model.ErrSourceUnavailable, err)
}
