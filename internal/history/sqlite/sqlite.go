package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/keepr/internal/history"
)

// Ledger stores restart events in SQLite.
type Ledger struct {
	db        *sql.DB
	retention int
}

// New opens a SQLite ledger.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
func New(dsn string, retention int) (*Ledger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")

	l := &Ledger{db: db, retention: history.Retention(retention)}
	if err := l.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS restart_events(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			reason TEXT NOT NULL,
			outcome TEXT NOT NULL,
			denial_reason TEXT NOT NULL DEFAULT '',
			prev_pid INTEGER NOT NULL DEFAULT 0,
			new_pid INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_restart_events_name ON restart_events(name, seq);`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Append(ctx context.Context, e history.Event) error {
	if err := history.Validate(e); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO restart_events(id, name, timestamp, reason, outcome, denial_reason, prev_pid, new_pid, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.Name, e.Timestamp.UTC(), string(e.Reason), string(e.Outcome), e.DenialReason, e.PrevPID, e.NewPID, e.Error); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM restart_events WHERE name=? AND seq NOT IN (
			SELECT seq FROM restart_events WHERE name=? ORDER BY seq DESC LIMIT ?
		);`, e.Name, e.Name, l.retention); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Ledger) List(ctx context.Context, name string) ([]history.Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, name, timestamp, reason, outcome, denial_reason, prev_pid, new_pid, error
		FROM restart_events WHERE name=? ORDER BY seq ASC;`, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var e history.Event
		var reason, outcome string
		if err := rows.Scan(&e.ID, &e.Name, &e.Timestamp, &reason, &outcome, &e.DenialReason, &e.PrevPID, &e.NewPID, &e.Error); err != nil {
			return nil, err
		}
		e.Reason, e.Outcome = history.Reason(reason), history.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

var _ history.Ledger = (*Ledger)(nil)
