package scr

import (
	"fmt"
	"path/filepath"

	"github.com/scr-project/scr/internal/filemap"
)

// filemapHandle pairs an in-memory filemap with the control-directory path
// it's persisted to (spec.md §4.3: "rewritten after every mutation that
// alters durable state").
type filemapHandle struct {
	path string
	m    *filemap.Map
}

func (s *Session) filemapPath(datasetID int) string {
	return filepath.Join(s.CntlDir, fmt.Sprintf("filemap_%d_rank_%d.scrinfo", datasetID, s.world.Rank()))
}

func newFilemapHandle(s *Session, ds filemap.DatasetDescriptor) *filemapHandle {
	return &filemapHandle{path: s.filemapPath(ds.ID), m: filemap.New(ds)}
}

func (h *filemapHandle) persist() error {
	return h.m.Write(h.path)
}

func loadFilemapHandle(path string) (*filemapHandle, error) {
	m, err := filemap.Read(path)
	if err != nil {
		return nil, err
	}
	return &filemapHandle{path: path, m: m}, nil
}

func (s *Session) datasetCacheDir(datasetID int) string {
	return filepath.Join(s.CacheDir, fmt.Sprintf("scr.dataset.%d", datasetID))
}

func (s *Session) datasetShardDir(datasetID int) string {
	return filepath.Join(s.datasetCacheDir(datasetID), ".scr")
}
