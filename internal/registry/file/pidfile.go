package file

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/keepr/internal/registry"
)

// Encode renders rec in pidfile layout: the pid alone on the first line so
// plain tools (`kill $(head -1 x.pid)`) keep working, then one JSON line of
// metadata.
func Encode(rec registry.Record) ([]byte, error) {
	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(strconv.Itoa(rec.PID))
	b.WriteByte('\n')
	b.Write(meta)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Decode parses a pidfile written by Encode. Files holding only a pid are
// accepted with unknown start time. Anything else yields registry.ErrCorrupt.
func Decode(name string, data []byte) (registry.Record, error) {
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return registry.Record{}, fmt.Errorf("%s: bad pid line %q: %w", name, pidLine, registry.ErrCorrupt)
	}
	rec := registry.Record{Name: name, PID: pid}
	metaLine, _, _ := strings.Cut(strings.TrimSpace(rest), "\n")
	if metaLine == "" {
		return rec, nil
	}
	var meta registry.Record
	if err := json.Unmarshal([]byte(metaLine), &meta); err != nil {
		return registry.Record{}, fmt.Errorf("%s: bad metadata: %w", name, registry.ErrCorrupt)
	}
	if meta.PID != 0 && meta.PID != pid {
		return registry.Record{}, fmt.Errorf("%s: pid line %d disagrees with metadata %d: %w", name, pid, meta.PID, registry.ErrCorrupt)
	}
	rec.StartUnix = meta.StartUnix
	rec.Command = meta.Command
	rec.WrittenAt = meta.WrittenAt
	return rec, nil
}
