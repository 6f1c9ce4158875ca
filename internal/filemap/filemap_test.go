package filemap

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/scr-project/scr/internal/kv"
	"github.com/stretchr/testify/require"
)

func sampleMap() *Map {
	m := New(DatasetDescriptor{ID: 3, Name: "timestep.3", Flags: FlagCheckpoint, CheckpointID: 3})
	m.AddFile(&FileEntry{
		CachePath:  "/cache/node0/rank0/timestep.3.0",
		OriginPath: "/run/timestep.3.0",
		Size:       1024,
		HasCRC32:   true,
		CRC32:      0xdeadbeef,
		Complete:   true,
		Type:       FileTypeUser,
		HasMTime:   true,
		MTime:      time.Unix(1700000000, 0),
	})
	m.AddFile(&FileEntry{
		CachePath: "/cache/node0/rank0/timestep.3.0.xor",
		Size:      256,
		Complete:  true,
		Type:      FileTypeShard,
	})
	return m
}

func TestAddRemoveAndIterationOrder(t *testing.T) {
	m := sampleMap()
	require.Equal(t, []string{
		"/cache/node0/rank0/timestep.3.0",
		"/cache/node0/rank0/timestep.3.0.xor",
	}, m.ListFiles())

	m.RemoveFile("/cache/node0/rank0/timestep.3.0")
	require.Equal(t, []string{"/cache/node0/rank0/timestep.3.0.xor"}, m.ListFiles())
	_, ok := m.GetMeta("/cache/node0/rank0/timestep.3.0")
	require.False(t, ok)
}

func TestUserFilesAndTotals(t *testing.T) {
	m := sampleMap()
	user := m.UserFiles()
	require.Len(t, user, 1)
	require.Equal(t, int64(1024), m.TotalBytes())
	require.True(t, m.AllComplete())

	e, ok := m.GetMeta("/cache/node0/rank0/timestep.3.0")
	require.True(t, ok)
	e.Complete = false
	m.SetMeta(e.CachePath, e)
	require.False(t, m.AllComplete())
}

func TestToFromValueRoundTrip(t *testing.T) {
	m := sampleMap()
	v := m.ToValue()

	got, err := FromValue(v)
	require.NoError(t, err)
	require.Equal(t, m.Dataset, got.Dataset)
	require.Equal(t, m.ListFiles(), got.ListFiles())

	orig, ok := m.GetMeta("/cache/node0/rank0/timestep.3.0")
	require.True(t, ok)
	round, ok := got.GetMeta("/cache/node0/rank0/timestep.3.0")
	require.True(t, ok)
	require.Equal(t, orig.Size, round.Size)
	require.Equal(t, orig.CRC32, round.CRC32)
	require.True(t, round.HasCRC32)
	require.Equal(t, orig.MTime.Unix(), round.MTime.Unix())
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "filemap.scrinfo")

	m := sampleMap()
	require.NoError(t, m.Write(path))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, m.Dataset.ID, got.Dataset.ID)
	require.Equal(t, m.ListFiles(), got.ListFiles())
}

func TestFromValueMissingDataset(t *testing.T) {
	_, err := FromValue(kv.NewMap())
	require.Error(t, err)
}
