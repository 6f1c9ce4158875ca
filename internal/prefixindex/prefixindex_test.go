package prefixindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMostRecentCompleteSkipsFailedAndIncomplete(t *testing.T) {
	idx := New()
	idx.Set(&Record{Name: "ckpt.1", CheckpointID: 1, Complete: true})
	idx.Set(&Record{Name: "ckpt.2", CheckpointID: 2, Complete: true, Failed: true})
	idx.Set(&Record{Name: "ckpt.3", CheckpointID: 3, Complete: false})

	name, ok := idx.MostRecentComplete()
	require.True(t, ok)
	require.Equal(t, "ckpt.1", name)
}

func TestNextOlderComplete(t *testing.T) {
	idx := New()
	idx.Set(&Record{Name: "ckpt.1", CheckpointID: 1, Complete: true})
	idx.Set(&Record{Name: "ckpt.2", CheckpointID: 2, Complete: true})
	idx.Set(&Record{Name: "ckpt.3", CheckpointID: 3, Complete: true})

	older, ok := idx.NextOlderComplete("ckpt.3")
	require.True(t, ok)
	require.Equal(t, "ckpt.2", older)
}

func TestSetCurrentDropsLater(t *testing.T) {
	idx := New()
	idx.Set(&Record{Name: "ckpt.1", CheckpointID: 1, Complete: true})
	idx.Set(&Record{Name: "ckpt.2", CheckpointID: 2, Complete: true})
	idx.Set(&Record{Name: "ckpt.3", CheckpointID: 3, Complete: true})

	idx.SetCurrent("ckpt.2", true)
	require.Equal(t, "ckpt.2", idx.Current)
	_, ok := idx.Get("ckpt.3")
	require.False(t, ok)
	_, ok = idx.Get("ckpt.1")
	require.True(t, ok)
}

func TestDropClearsCurrent(t *testing.T) {
	idx := New()
	idx.Set(&Record{Name: "ckpt.1", CheckpointID: 1, Complete: true})
	idx.SetCurrent("ckpt.1", false)
	idx.Drop("ckpt.1")
	require.Equal(t, "", idx.Current)
	_, ok := idx.Get("ckpt.1")
	require.False(t, ok)
}

func TestWriteReadLockedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.scrinfo")

	idx := New()
	idx.Set(&Record{Name: "ckpt.1", CheckpointID: 1, Complete: true})
	idx.SetCurrent("ckpt.1", false)
	require.NoError(t, idx.WriteLocked(path))

	got, err := ReadLocked(path)
	require.NoError(t, err)
	require.Equal(t, "ckpt.1", got.Current)
	r, ok := got.Get("ckpt.1")
	require.True(t, ok)
	require.Equal(t, 1, r.CheckpointID)
}

func TestReadLockedMissingFile(t *testing.T) {
	dir := t.TempDir()
	got, err := ReadLocked(filepath.Join(dir, "missing.scrinfo"))
	require.NoError(t, err)
	require.Equal(t, "", got.Current)
}

func TestHaltStateShouldExit(t *testing.T) {
	h := &HaltState{}
	require.False(t, h.ShouldExit(time.Now()))

	h.ExitReason = "user requested"
	require.True(t, h.ShouldExit(time.Now()))

	h2 := &HaltState{HaveCheckpointCnt: true, CheckpointsLeft: 1}
	require.False(t, h2.ShouldExit(time.Now()))
	h2.DecrementCheckpoint()
	require.True(t, h2.ShouldExit(time.Now()))
}

func TestHaltWriteReadLocked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "halt.scr")

	h := &HaltState{HaveCheckpointCnt: true, CheckpointsLeft: 3}
	require.NoError(t, h.WriteHaltLocked(path))

	got, err := ReadHaltLocked(path)
	require.NoError(t, err)
	require.True(t, got.HaveCheckpointCnt)
	require.Equal(t, 3, got.CheckpointsLeft)
}
