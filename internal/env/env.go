// Package env composes the environment handed to a daemon: the supervisor's
// own environment (optional), global variables from the config file and env
// files, then the daemon's own entries, with ${VAR} references expanded.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	useOS  bool
	global Var
	base   Var // cached OS environment
}

// New returns an empty composer. When useOS is true the supervisor's own
// environment is the base layer.
func New(useOS bool) *Env {
	return &Env{useOS: useOS, global: make(Var)}
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// SetPairs applies "K=V" entries as globals; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := Parse(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile reads a .env file (KEY=VALUE per line, # comments, optional
// "export " prefix, surrounding quotes stripped) into the globals.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := Parse(line)
		if !ok {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		e.Set(strings.TrimSpace(k), unquote(strings.TrimSpace(v)))
	}
	return sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// Parse splits "K=V". Entries without '=' or with an empty key are rejected.
func Parse(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// Merge composes the final environment for one daemon, sorted by key.
// Precedence: OS (when enabled) < globals < perDaemon.
func (e *Env) Merge(perDaemon []string) []string {
	m := make(Var)
	if e.useOS {
		if e.base == nil {
			e.base = fromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.global {
		m[k] = v
	}
	for _, kv := range perDaemon {
		if k, v, ok := Parse(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := Parse(kv); ok {
			base[k] = v
		}
	}
	return base
}

// expand replaces ${VAR} with its value from m in a single pass; unknown
// references are left as written and expanded values are not rescanned.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
