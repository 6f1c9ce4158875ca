package rebuild

import (
	"context"
	"testing"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/descriptor"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/redundancy"
	"github.com/stretchr/testify/require"
)

func buildMap(id int, complete bool) *filemap.Map {
	ds := filemap.DatasetDescriptor{ID: id, Name: "ckpt", CheckpointID: id, Flags: filemap.FlagCheckpoint, Complete: complete}
	fm := filemap.New(ds)
	fm.AddFile(&filemap.FileEntry{CachePath: "f", OriginPath: "f", Complete: complete, Type: filemap.FileTypeUser})
	return fm
}

func TestRebuildPicksNewestSuccessfulDataset(t *testing.T) {
	w := comm.NewWorld(1)
	group := w.Rank(0)
	engine, ok := redundancy.New(descriptor.SchemeSingle, 1, 0)
	require.True(t, ok)

	local := map[int]Dataset{
		1: {Map: buildMap(1, true), Group: group, Engine: engine},
		2: {Map: buildMap(2, true), Group: group, Engine: engine},
	}

	current, ok, outcomes, err := Rebuild(context.Background(), group, local)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, current)
	require.Len(t, outcomes, 2)
}

func TestRebuildSkipsIncompleteDataset(t *testing.T) {
	w := comm.NewWorld(1)
	group := w.Rank(0)
	engine, ok := redundancy.New(descriptor.SchemeSingle, 1, 0)
	require.True(t, ok)

	local := map[int]Dataset{
		1: {Map: buildMap(1, true), Group: group, Engine: engine},
		2: {Map: buildMap(2, false), Group: group, Engine: engine},
	}

	current, ok, outcomes, err := Rebuild(context.Background(), group, local)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, current)
	require.Len(t, outcomes, 2)
}

func TestRebuildNoDatasetsYieldsNotOK(t *testing.T) {
	w := comm.NewWorld(1)
	group := w.Rank(0)
	_, ok, _, err := Rebuild(context.Background(), group, map[int]Dataset{})
	require.NoError(t, err)
	require.False(t, ok)
}
