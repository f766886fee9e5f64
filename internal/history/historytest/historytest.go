// Package historytest holds the behaviour every history.Ledger backend must share.
package historytest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/history"
)

// Run exercises l, which must be empty and have retention 3.
func Run(t *testing.T, l history.Ledger) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	evs, err := l.List(ctx, "api")
	require.NoError(t, err)
	assert.Empty(t, evs)

	require.Error(t, l.Append(ctx, history.Event{}), "empty event must be rejected")

	var ids []string
	for i := 0; i < 5; i++ {
		e := history.NewEvent("api", base.Add(time.Duration(i)*time.Minute), history.ReasonStalePID, history.OutcomeSuccess)
		e.PrevPID = 100 + i
		e.NewPID = 200 + i
		if i == 4 {
			e.Outcome = history.OutcomeDenied
			e.DenialReason = "rate_limit_exceeded"
			e.NewPID = 0
		}
		require.NoError(t, l.Append(ctx, e))
		ids = append(ids, e.ID)
	}
	other := history.NewEvent("worker", base, history.ReasonManual, history.OutcomeFailed)
	other.Error = "boom"
	require.NoError(t, l.Append(ctx, other))

	evs, err = l.List(ctx, "api")
	require.NoError(t, err)
	require.Len(t, evs, 3, "retention keeps the newest events")
	assert.Equal(t, ids[2:], []string{evs[0].ID, evs[1].ID, evs[2].ID}, "oldest first")
	assert.Equal(t, 102, evs[0].PrevPID)
	assert.Equal(t, 202, evs[0].NewPID)
	assert.True(t, base.Add(2*time.Minute).Equal(evs[0].Timestamp))
	assert.Equal(t, history.OutcomeDenied, evs[2].Outcome)
	assert.Equal(t, "rate_limit_exceeded", evs[2].DenialReason)
	assert.Zero(t, evs[2].NewPID)

	ws, err := l.List(ctx, "worker")
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, history.ReasonManual, ws[0].Reason)
	assert.Equal(t, "boom", ws[0].Error)
}
