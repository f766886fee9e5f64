// Package storetest holds the behaviour every registry.Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/registry"
)

// Run exercises s through the Store contract. s must start empty.
func Run(t *testing.T, s registry.Store) {
	t.Helper()
	ctx := context.Background()
	written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "api")
	require.ErrorIs(t, err, registry.ErrNotFound)

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	rec := registry.Record{Name: "api", PID: 4242, StartUnix: 1700000000, Command: "sleep 60", WrittenAt: written}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, rec.StartUnix, got.StartUnix)
	assert.Equal(t, rec.Command, got.Command)
	assert.True(t, rec.WrittenAt.Equal(got.WrittenAt), "written_at %v != %v", got.WrittenAt, rec.WrittenAt)

	// replace
	rec.PID = 5151
	require.NoError(t, s.Put(ctx, rec))
	got, err = s.Get(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, 5151, got.PID)

	require.NoError(t, s.Put(ctx, registry.Record{Name: "worker", PID: 7, WrittenAt: written}))
	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "worker"}, names)

	require.NoError(t, s.Delete(ctx, "api"))
	require.NoError(t, s.Delete(ctx, "api"), "deleting an absent record is not an error")
	_, err = s.Get(ctx, "api")
	require.ErrorIs(t, err, registry.ErrNotFound)

	names, err = s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker"}, names)
}
