package scr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/stretchr/testify/require"
)

// TestPrefixRetentionPurgesOlderCheckpoints exercises spec.md §4.6's
// retention window: with SCR_PREFIX_SIZE=2 and a new checkpoint flushed
// every iteration, only the two most recent complete checkpoints remain
// registered in the prefix index once five have been written.
func TestPrefixRetentionPurgesOlderCheckpoints(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	world := comm.NewWorld(1)

	s := newTestSession(t, world.Rank(0), 0, dir,
		"SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1", "SCR_FLUSH=1", "SCR_PREFIX_SIZE=2")
	require.NoError(t, s.Init(ctx))

	for i := 0; i < 5; i++ {
		srcPath := filepath.Join(dir, fmt.Sprintf("ckpt%d.dat", i))
		require.NoError(t, os.WriteFile(srcPath, []byte(fmt.Sprintf("data-%d", i)), 0o644))

		require.NoError(t, s.StartCheckpoint(ctx))
		cachePath, err := s.RouteFile(ctx, srcPath)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(cachePath, []byte(fmt.Sprintf("data-%d", i)), 0o644))
		require.NoError(t, s.CompleteCheckpoint(ctx, true))
	}

	names := s.prefixIdx.AllNames()
	require.Len(t, names, 2)

	latest, ok := s.prefixIdx.MostRecentComplete()
	require.True(t, ok)
	require.Equal(t, "ckpt.4", latest)

	older, ok := s.prefixIdx.Get("ckpt.2")
	require.False(t, ok, "ckpt.2 should have been purged: %+v", older)
}

// TestPrefixRetentionNeverPurgesOutputDatasets checks that an output-flagged
// dataset survives retention purging even when older than the window's
// pure checkpoints (spec.md §4.6 step vi).
func TestPrefixRetentionNeverPurgesOutputDatasets(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	world := comm.NewWorld(1)

	s := newTestSession(t, world.Rank(0), 0, dir,
		"SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1", "SCR_FLUSH=1", "SCR_PREFIX_SIZE=1")
	require.NoError(t, s.Init(ctx))

	outSrc := filepath.Join(dir, "output0.dat")
	require.NoError(t, os.WriteFile(outSrc, []byte("output-data"), 0o644))
	require.NoError(t, s.StartOutput(ctx, "output.0", filemap.FlagOutput))
	cachePath, err := s.RouteFile(ctx, outSrc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cachePath, []byte("output-data"), 0o644))
	require.NoError(t, s.CompleteOutput(ctx, true))

	for i := 0; i < 3; i++ {
		srcPath := filepath.Join(dir, fmt.Sprintf("ckpt%d.dat", i))
		require.NoError(t, os.WriteFile(srcPath, []byte(fmt.Sprintf("data-%d", i)), 0o644))
		require.NoError(t, s.StartCheckpoint(ctx))
		cp, err := s.RouteFile(ctx, srcPath)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(cp, []byte(fmt.Sprintf("data-%d", i)), 0o644))
		require.NoError(t, s.CompleteCheckpoint(ctx, true))
	}

	_, ok := s.prefixIdx.Get("output.0")
	require.True(t, ok, "output-flagged dataset must survive retention purge")

	names := s.prefixIdx.AllNames()
	require.Len(t, names, 2) // output.0 + the single newest pure checkpoint
}
