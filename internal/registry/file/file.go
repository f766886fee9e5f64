// Package file stores PID records as one pidfile per daemon in a directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/keepr/internal/registry"
)

const ext = ".pid"

// Store keeps <dir>/<name>.pid files.
type Store struct {
	dir string
}

// New opens (creating if needed) a pidfile directory.
func New(dir string) (*Store, error) {
	d := strings.TrimSpace(dir)
	if d == "" {
		return nil, errors.New("empty pid directory")
	}
	if err := os.MkdirAll(d, 0o750); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	return &Store{dir: d}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name+ext) }

func (s *Store) Get(_ context.Context, name string) (registry.Record, error) {
	b, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return registry.Record{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Record{}, err
	}
	return Decode(name, b)
}

// Put writes to a temp file in the same directory and renames it over the
// pidfile; rename is atomic on one filesystem.
func (s *Store) Put(_ context.Context, rec registry.Record) error {
	b, err := Encode(rec)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+rec.Name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, s.path(rec.Name)); err != nil {
		cleanup()
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Names(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, ext) {
			continue
		}
		out = append(out, strings.TrimSuffix(n, ext))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ registry.Store = (*Store)(nil)
