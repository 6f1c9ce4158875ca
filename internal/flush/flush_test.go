package flush

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/mover"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func buildFilemap(t *testing.T, cacheDir string, rank int) *filemap.Map {
	t.Helper()
	ds := filemap.DatasetDescriptor{ID: 1, Name: "ckpt.1", Flags: filemap.FlagCheckpoint, CheckpointID: 1}
	fm := filemap.New(ds)
	cachePath := filepath.Join(cacheDir, "rank_file")
	require.NoError(t, os.WriteFile(cachePath, []byte("payload"), 0o644))
	fm.AddFile(&filemap.FileEntry{
		CachePath:  cachePath,
		OriginPath: filepath.Join("run", "data", "file.txt"),
		Size:       7,
		Complete:   true,
		Type:       filemap.FileTypeUser,
	})
	return fm
}

func TestSyncFlushTransfersAndWritesSummary(t *testing.T) {
	dir := t.TempDir()
	prefixDir := filepath.Join(dir, "prefix")
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	mv, err := mover.Open(filepath.Join(dir, "mover.db"))
	require.NoError(t, err)
	defer mv.Close()

	w := comm.NewWorld(1)
	fm := buildFilemap(t, cacheDir, 0)

	ok, err := Sync(context.Background(), w.Rank(0), prefixDir, fm, mv)
	require.NoError(t, err)
	require.True(t, ok)

	destPath := filepath.Join(prefixDir, "run", "data", "file.txt")
	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	summaryPath := filepath.Join(prefixDir, ".scr", "scr.dataset.1", "summary.scr")
	summary, err := ReadSummary(summaryPath)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Dataset.ID)
	require.Contains(t, summary.RankFile[0], destPath)
}

func TestAsyncFlusherSingleInFlight(t *testing.T) {
	dir := t.TempDir()
	prefixDir := filepath.Join(dir, "prefix")
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))

	mv, err := mover.Open(filepath.Join(dir, "mover.db"))
	require.NoError(t, err)
	defer mv.Close()

	w := comm.NewWorld(1)
	fm := buildFilemap(t, cacheDir, 0)
	flusher := NewAsyncFlusher(mv)

	require.NoError(t, flusher.Start(context.Background(), w.Rank(0), prefixDir, fm))
	require.True(t, flusher.Active())

	ok, err := flusher.Complete(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, flusher.Active())

	destPath := filepath.Join(prefixDir, "run", "data", "file.txt")
	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestFlushFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flush.scr")

	f := NewFile()
	f.Set(1, LocationCache)
	f.Set(2, LocationPFS)
	require.NoError(t, f.WriteTo(path))

	got, err := ReadFrom(path)
	require.NoError(t, err)
	loc, ok := got.Get(1)
	require.True(t, ok)
	require.Equal(t, LocationCache, loc)
	loc2, _ := got.Get(2)
	require.Equal(t, LocationPFS, loc2)
}

func TestMakeDestDirsElectsOneLeaderPerDirectory(t *testing.T) {
	dir := t.TempDir()
	w := comm.NewWorld(3)
	shared := filepath.Join(dir, "shared")

	g := new(errgroup.Group)
	for r := 0; r < 3; r++ {
		r := r
		g.Go(func() error {
			plan := []PlanFile{{CachePath: "x", DestPath: filepath.Join(shared, "f")}}
			return MakeDestDirs(context.Background(), w.Rank(r), plan)
		})
	}
	require.NoError(t, g.Wait())

	info, err := os.Stat(shared)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
