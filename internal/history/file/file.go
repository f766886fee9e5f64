// Package file stores the restart ledger as one JSON-lines file per daemon.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/loykin/keepr/internal/history"
)

const ext = ".jsonl"

// Ledger keeps <dir>/<name>.jsonl. Appends from several keepr processes are
// serialized with an flock on <dir>/<name>.jsonl.lock.
type Ledger struct {
	dir       string
	retention int
	mu        sync.Mutex
}

func New(dir string, retention int) (*Ledger, error) {
	d := strings.TrimSpace(dir)
	if d == "" {
		return nil, errors.New("empty history directory")
	}
	if err := os.MkdirAll(d, 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Ledger{dir: d, retention: history.Retention(retention)}, nil
}

func (l *Ledger) path(name string) string { return filepath.Join(l.dir, name+ext) }

func (l *Ledger) Append(ctx context.Context, e history.Event) error {
	if err := history.Validate(e); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fl := flock.New(l.path(e.Name) + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock ledger %s: %w", e.Name, err)
	}
	defer func() { _ = fl.Unlock() }()

	events, err := l.read(e.Name)
	if err != nil {
		return err
	}
	if len(events) < l.retention {
		return appendLine(l.path(e.Name), line)
	}
	events = history.Tail(append(events, e), l.retention)
	return l.rewrite(e.Name, events)
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// rewrite replaces the ledger via temp file and rename.
func (l *Ledger) rewrite(name string, events []history.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(l.dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.path(name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (l *Ledger) List(_ context.Context, name string) ([]history.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(name)
}

// read skips lines that do not decode; a torn final line from a crash must
// not hide the rest of the ledger.
func (l *Ledger) read(name string) ([]history.Event, error) {
	f, err := os.Open(l.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []history.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var ev history.Event
		if json.Unmarshal(b, &ev) != nil || ev.Name != name {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) Close() error { return nil }

var _ history.Ledger = (*Ledger)(nil)
