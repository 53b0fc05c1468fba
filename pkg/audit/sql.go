package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and DDL for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends records to an audit_records table.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	insert  string
}

// NewSQLSink wraps an open database. The caller owns db unless the sink was built by OpenSQL.
func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect, insert: insertQuery(dialect)}
}

// OpenSQL opens the database for driver ("sqlite" or "postgres"), runs the migration and
// returns a ready sink.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	dialect := Dialect(driver)
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("audit: unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	s := NewSQLSink(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the audit table when absent.
func (s *SQLSink) Migrate(ctx context.Context) error {
	ts := "DATETIME"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		token TEXT NOT NULL,
		operation TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		call_id TEXT,
		timestamp ` + ts + ` NOT NULL,
		metadata TEXT
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append implements Sink.
func (s *SQLSink) Append(ctx context.Context, rec Record) error {
	rec = prepare(rec)
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		rec.ID, string(rec.Kind), rec.Token, rec.Operation, string(rec.Outcome),
		rec.Reason, rec.CallID, rec.Timestamp, string(meta))
	if err != nil {
		return fmt.Errorf("audit: persist record: %w", err)
	}
	return nil
}

// Count returns the number of stored records of the given kind, or all records when kind is empty.
func (s *SQLSink) Count(ctx context.Context, kind Kind) (int, error) {
	query := "SELECT COUNT(*) FROM audit_records"
	var args []any
	if kind != "" {
		query += " WHERE kind = " + placeholder(s.dialect, 1)
		args = append(args, string(kind))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLSink) Close() error {
	return s.db.Close()
}

func insertQuery(d Dialect) string {
	cols := []string{"id", "kind", "token", "operation", "outcome", "reason", "call_id", "timestamp", "metadata"}
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = placeholder(d, i+1)
	}
	return "INSERT INTO audit_records (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

func placeholder(d Dialect, n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
