package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres ("postgres") and SQLite ("sqlite").
type SQLLedger struct {
	db     *sql.DB
	driver string
}

func NewSQLLedger(db *sql.DB, driver string) *SQLLedger {
	return &SQLLedger{db: db, driver: driver}
}

// OpenSQLLedger opens the database, and creates the schema if missing.
func OpenSQLLedger(ctx context.Context, driver, dsn string) (*SQLLedger, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer keeps SQLite from returning SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	}
	l := NewSQLLedger(db, driver)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	state TEXT NOT NULL,
	ts TEXT NOT NULL,
	data TEXT NOT NULL,
	integrity_hash TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLLedger) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLLedger) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLLedger) Append(ctx context.Context, e Event) (Event, error) {
	if !validSessionID(e.SessionID) {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, e.SessionID)
	}
	sealed, err := Seal(e)
	if err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(sealed.Data)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE session_id = ?`), sealed.SessionID)
	if err := row.Scan(&seq); err != nil {
		return Event{}, fmt.Errorf("ledger: next seq: %w", err)
	}

	query := s.rebind(`
		INSERT INTO audit_events (session_id, seq, event_type, state, ts, data, integrity_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, query,
		sealed.SessionID, seq, sealed.EventType, sealed.State, sealed.TS, string(data), sealed.IntegrityHash,
	); err != nil {
		return Event{}, fmt.Errorf("ledger: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return sealed, nil
}

func (s *SQLLedger) ReadAll(ctx context.Context, sessionID string) ([]Event, error) {
	query := s.rebind(`SELECT session_id, event_type, state, ts, data, integrity_hash FROM audit_events WHERE session_id = ? ORDER BY seq`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e    Event
			data string
		)
		if err := rows.Scan(&e.SessionID, &e.EventType, &e.State, &e.TS, &data, &e.IntegrityHash); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("ledger: decode data: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
