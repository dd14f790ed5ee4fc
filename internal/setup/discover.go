package setup

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/rowsync/internal/docstore"
)

// Table is a source table offered as a kind.
type Table struct {
	Name    string
	Columns []string
}

// KeyColumn guesses the primary key: "id" when present, else the first column.
func (t Table) KeyColumn() string {
	for _, c := range t.Columns {
		if strings.EqualFold(c, "id") {
			return c
		}
	}
	if len(t.Columns) > 0 {
		return t.Columns[0]
	}
	return "id"
}

// String returns a human-readable representation for selection prompts.
func (t Table) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, strings.Join(t.Columns, ", "))
}

var tableQueries = map[string]string{
	"sqlite3": `SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	"postgres": `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`,
}

// DiscoverTables lists the user tables of the source database with their
// columns, sorted by name.
func DiscoverTables(ctx context.Context, db *sqlx.DB, driver string) ([]Table, error) {
	q, ok := tableQueries[driver]
	if !ok {
		return nil, fmt.Errorf("table discovery is not supported for driver %q", driver)
	}

	var names []string
	if err := db.SelectContext(ctx, &names, q); err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		cols, err := columns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, Table{Name: name, Columns: cols})
	}
	slices.SortFunc(tables, func(a, b Table) int { return strings.Compare(a.Name, b.Name) })
	return tables, nil
}

// columns reads a table's column names from an empty result set, which works
// the same on every driver.
func columns(ctx context.Context, db *sqlx.DB, table string) ([]string, error) {
	rows, err := db.QueryxContext(ctx, "SELECT * FROM "+QuoteIdent(table)+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("reading columns of %q: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns of %q: %w", table, err)
	}
	return cols, nil
}

// QuoteIdent quotes an SQL identifier for both SQLite and PostgreSQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// KindName derives a kind tag from a table name, replacing characters that
// are not allowed in a document key.
func KindName(table string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune("/.$#[] ", r) {
			return '_'
		}
		return r
	}, strings.ToLower(table))
}

// pingPath is a server-maintained location every Firebase database serves.
const pingPath = ".info/serverTimeOffset"

// PingDocStore checks that the document store answers and accepts the
// credentials.
func PingDocStore(ctx context.Context, c *docstore.Client) error {
	if _, _, err := c.Read(ctx, pingPath); err != nil {
		return err
	}
	return nil
}
