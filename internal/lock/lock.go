// Package lock serializes lifecycle operations per daemon name, both between
// goroutines of one supervisor and between independent supervisor processes
// (a manual CLI command racing the monitor loop).
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("lock timeout")

const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetryDelay = 50 * time.Millisecond
)

// Locker hands out per-name exclusive locks. The zero value is not usable;
// construct with New.
type Locker struct {
	dir        string
	timeout    time.Duration
	retryDelay time.Duration

	mu    sync.Mutex
	local map[string]chan struct{}
}

// New returns a Locker storing lock files under dir. A timeout <= 0 selects
// DefaultTimeout.
func New(dir string, timeout time.Duration) (*Locker, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locker{dir: dir, timeout: timeout, retryDelay: DefaultRetryDelay, local: make(map[string]chan struct{})}, nil
}

// Acquire blocks until the lock for name is held, the timeout elapses, or ctx
// is done. The returned release function must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	sem := l.slot(name)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, l.wrap(name, ctx.Err())
	}

	fl := flock.New(filepath.Join(l.dir, name+".lock"))
	ok, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil || !ok {
		<-sem
		if err == nil {
			err = ctx.Err()
		}
		return nil, l.wrap(name, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = fl.Unlock()
			<-sem
		})
	}, nil
}

// With runs fn while holding the lock for name.
func (l *Locker) With(ctx context.Context, name string, fn func() error) error {
	release, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (l *Locker) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.local[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.local[name] = ch
	}
	return ch
}

func (l *Locker) wrap(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %s: %w", name, ErrTimeout)
	}
	return fmt.Errorf("lock %s: %w", name, err)
}
