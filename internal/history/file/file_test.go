package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/history"
	"github.com/loykin/keepr/internal/history/historytest"
)

func TestFileLedgerContract(t *testing.T) {
	l, err := New(t.TempDir(), 3)
	require.NoError(t, err)
	historytest.Run(t, l)
}

func TestFileLedgerSkipsTornLines(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 10)
	require.NoError(t, err)
	ctx := context.Background()

	e := history.NewEvent("api", time.Now(), history.ReasonStalePID, history.OutcomeSuccess)
	require.NoError(t, l.Append(ctx, e))

	f, err := os.OpenFile(filepath.Join(dir, "api.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"torn","name":"api","timest` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2 := history.NewEvent("api", time.Now(), history.ReasonManual, history.OutcomeSuccess)
	require.NoError(t, l.Append(ctx, e2))

	evs, err := l.List(ctx, "api")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, e.ID, evs[0].ID)
	assert.Equal(t, e2.ID, evs[1].ID)
}

func TestFileLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 0)
	require.NoError(t, err)
	e := history.NewEvent("api", time.Now(), history.ReasonNeverStarted, history.OutcomeFailed)
	require.NoError(t, l.Append(context.Background(), e))

	l2, err := New(dir, 0)
	require.NoError(t, err)
	evs, err := l2.List(context.Background(), "api")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, history.OutcomeFailed, evs[0].Outcome)
}
