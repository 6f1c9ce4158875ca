package scr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scr-project/scr/internal/comm"
	"github.com/stretchr/testify/require"
)

func TestSingleProcessCheckpointAndRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	world := comm.NewWorld(1)

	srcPath := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("payload-v1"), 0o644))

	s := newTestSession(t, world.Rank(0), 0, dir, "SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1", "SCR_FLUSH=0")
	require.NoError(t, s.Init(ctx))
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.StartCheckpoint(ctx))
	require.Equal(t, StateCheckpoint, s.State())

	cachePath, err := s.RouteFile(ctx, srcPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cachePath, []byte("payload-v1"), 0o644))
	require.NoError(t, s.CompleteCheckpoint(ctx, true))
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Finalize(ctx))

	// Restart: a fresh session pointed at the same directories must find
	// and restore the checkpoint just completed.
	s2 := newTestSession(t, world.Rank(0), 0, dir, "SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1", "SCR_FLUSH=0")
	require.NoError(t, s2.Init(ctx))

	have, name, err := s2.HaveRestart(ctx)
	require.NoError(t, err)
	require.True(t, have)
	require.Equal(t, "ckpt.0", name)

	gotName, err := s2.StartRestart(ctx)
	require.NoError(t, err)
	require.Equal(t, name, gotName)
	require.Equal(t, StateRestart, s2.State())

	restoredPath, err := s2.RouteFile(ctx, srcPath)
	require.NoError(t, err)
	content, err := os.ReadFile(restoredPath)
	require.NoError(t, err)
	require.Equal(t, "payload-v1", string(content))

	require.NoError(t, s2.CompleteRestart(ctx, true))
	require.Equal(t, StateIdle, s2.State())
}

func TestConfigRejectedAfterInit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	world := comm.NewWorld(1)

	s := newTestSession(t, world.Rank(0), 0, dir, "SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1")
	require.NoError(t, s.Init(ctx))

	require.Panics(t, func() {
		_ = s.Config("SCR_FLUSH=5")
	})
}

func TestCompleteOutputOutsideOutputStateIsFatal(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	world := comm.NewWorld(1)

	s := newTestSession(t, world.Rank(0), 0, dir, "SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1")
	require.NoError(t, s.Init(ctx))

	require.Panics(t, func() {
		_ = s.CompleteOutput(ctx, true)
	})
}

func TestRouteFileOutsideOutputIsPassThrough(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	world := comm.NewWorld(1)

	s := newTestSession(t, world.Rank(0), 0, dir, "SCR_COPY_TYPE=SINGLE", "SCR_SET_SIZE=1")
	require.NoError(t, s.Init(ctx))

	path, err := s.RouteFile(ctx, "/some/user/path.txt")
	require.NoError(t, err)
	require.Equal(t, "/some/user/path.txt", path)
}
