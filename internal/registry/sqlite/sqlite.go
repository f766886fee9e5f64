// Package sqlite stores PID records in SQLite (modernc.org/sqlite, CGO-free).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/keepr/internal/registry"
)

// DB implements registry.Store. The DSN is a filesystem path; ":memory:" works
// for tests.
type DB struct {
	db *sql.DB
}

// New opens the database at path and creates the schema.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: keeps ":memory:" a single database and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short locks held by another keepr process
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS pid_records(
		name TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		start_unix INTEGER NOT NULL DEFAULT 0,
		command TEXT NOT NULL DEFAULT '',
		written_at TIMESTAMP NOT NULL
	);`)
	return err
}

func (s *DB) Get(ctx context.Context, name string) (registry.Record, error) {
	var r registry.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT name, pid, start_unix, command, written_at
		FROM pid_records WHERE name=?;`, name).
		Scan(&r.Name, &r.PID, &r.StartUnix, &r.Command, &r.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Record{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Record{}, err
	}
	if r.PID <= 0 {
		return registry.Record{}, fmt.Errorf("%s: pid %d: %w", name, r.PID, registry.ErrCorrupt)
	}
	return r, nil
}

func (s *DB) Put(ctx context.Context, rec registry.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pid_records(name, pid, start_unix, command, written_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			pid=excluded.pid,
			start_unix=excluded.start_unix,
			command=excluded.command,
			written_at=excluded.written_at;`,
		rec.Name, rec.PID, rec.StartUnix, rec.Command, rec.WrittenAt.UTC())
	return err
}

func (s *DB) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pid_records WHERE name=?;`, name)
	return err
}

func (s *DB) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pid_records ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

var _ registry.Store = (*DB)(nil)
