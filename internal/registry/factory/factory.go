package factory

import (
	"errors"
	"strings"

	"github.com/loykin/keepr/internal/registry"
	"github.com/loykin/keepr/internal/registry/file"
	pg "github.com/loykin/keepr/internal/registry/postgres"
	sq "github.com/loykin/keepr/internal/registry/sqlite"
)

// NewFromDSN selects a record store based on DSN.
// Supported:
//   - file:     "file://<dir>" or a bare directory path
//   - sqlite:   "sqlite://<path>" (":memory:" allowed)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - memory:   "mem://" (process-local, for tests and dry runs)
func NewFromDSN(dsn string) (registry.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty registry DSN")
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	case strings.HasPrefix(ld, "file://"):
		return file.New(d[len("file://"):])
	case strings.HasPrefix(ld, "mem://"):
		return registry.NewMemoryStore(), nil
	case strings.Contains(d, "://"):
		return nil, errors.New("unsupported registry DSN: " + d)
	}
	return file.New(d)
}
