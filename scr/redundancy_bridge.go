package scr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/kv"
	"github.com/scr-project/scr/internal/scrlog"
)

// shardFileName names a rank's redundancy-shard file after the scheme and
// its 1-based position in its redundancy group (spec.md §6's
// "xor.<group>_<rank+1>_of_<ranks>.scr" wire-format example, generalized
// to every scheme).
func shardFileName(scheme, group string, rank, size int) string {
	return fmt.Sprintf("%s.%s_%d_of_%d.scr", strings.ToLower(scheme), group, rank+1, size)
}

// applyRedundancy concatenates this rank's user-file bytes, runs the
// session's redundancy Engine over the result collectively with the rest
// of group, and persists the resulting redundant material as a shard file
// alongside the dataset's cache directory (spec.md §4.5, §6). It returns
// whether every rank in group succeeded; a false result leaves fm
// unmodified.
func (s *Session) applyRedundancy(ctx context.Context, group comm.Comm, fm *filemap.Map) (bool, error) {
	engine, ok := s.redundancyEngine()
	if !ok {
		return false, fmt.Errorf("scr: apply redundancy: unknown scheme %s", s.redDesc.Scheme)
	}

	data, manifest, readErr := readUserFiles(fm)
	localOK := readErr == nil

	var redundant []byte
	var applyErr error
	if localOK {
		redundant, applyErr = engine.Apply(ctx, group, data)
		localOK = applyErr == nil
	}
	if readErr != nil {
		scrlog.Errorf(component, "apply redundancy: read user files: %v", readErr)
	}
	if applyErr != nil {
		scrlog.Errorf(component, "apply redundancy: %v", applyErr)
	}

	allOK, err := group.AllreduceAnd(ctx, localOK)
	if err != nil {
		return false, fmt.Errorf("scr: apply redundancy: reconcile: %w", err)
	}
	if !allOK {
		return false, nil
	}

	shardDir := s.datasetShardDir(fm.Dataset.ID)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return false, fmt.Errorf("scr: apply redundancy: mkdir shard dir: %w", err)
	}
	name := shardFileName(s.redDesc.Scheme.String(), s.redDesc.Group.Name, group.Rank(), group.Size())
	shardPath := filepath.Join(shardDir, name)

	header := kv.NewMap()
	header.Set("dataset_id", kv.Int(int64(fm.Dataset.ID)))
	header.Set("scheme", kv.String(s.redDesc.Scheme.String()))
	header.Set("group_rank", kv.Int(int64(group.Rank())))
	header.Set("group_size", kv.Int(int64(group.Size())))
	header.Set("chunk_size", kv.Int(int64(len(data))))
	header.Set("redundant", kv.Bin(redundant))
	files := kv.NewList()
	for _, f := range manifest {
		fv := kv.NewMap()
		fv.Set("name", kv.String(f.name))
		fv.Set("size", kv.Int(f.size))
		files.Append(fv)
	}
	header.Set("files", files)

	if err := kv.WriteFile(shardPath, header); err != nil {
		return false, fmt.Errorf("scr: apply redundancy: write shard: %w", err)
	}

	fm.AddFile(&filemap.FileEntry{
		CachePath: shardPath,
		Size:      int64(len(redundant)),
		Complete:  true,
		Type:      filemap.FileTypeShard,
	})
	return true, nil
}

type fileManifestEntry struct {
	name string
	size int64
}

// readUserFiles reads every user file entry's bytes, in filemap order, and
// concatenates them into one buffer for the redundancy Engine (spec.md
// §4.5 treats a rank's "data" as the full content it must protect).
func readUserFiles(fm *filemap.Map) ([]byte, []fileManifestEntry, error) {
	var buf []byte
	manifest := make([]fileManifestEntry, 0, len(fm.UserFiles()))
	for _, e := range fm.UserFiles() {
		content, err := os.ReadFile(e.CachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", e.CachePath, err)
		}
		buf = append(buf, content...)
		manifest = append(manifest, fileManifestEntry{name: filepath.Base(e.OriginPath), size: int64(len(content))})
	}
	return buf, manifest, nil
}

// manifestFromFilemap builds a recovery manifest from a filemap's recorded
// entries (name and last-known size), used when the underlying cache bytes
// are gone but the filemap itself (persisted in the control directory, a
// more durable tier than cache) survived.
func manifestFromFilemap(fm *filemap.Map) []fileManifestEntry {
	out := make([]fileManifestEntry, 0, len(fm.UserFiles()))
	for _, e := range fm.UserFiles() {
		out = append(out, fileManifestEntry{name: filepath.Base(e.OriginPath), size: e.Size})
	}
	return out
}

// loadShardRedundant reads the redundant material this rank persisted for
// fm's dataset, if a shard file entry is present in fm, returning nil if
// there is none or it can't be read (a lost shard is just one more piece
// of evidence that this rank's data needs recovering, not a hard error).
func (s *Session) loadShardRedundant(fm *filemap.Map) []byte {
	for _, p := range fm.ListFiles() {
		e, ok := fm.GetMeta(p)
		if !ok || e.Type != filemap.FileTypeShard {
			continue
		}
		v, err := kv.ReadFile(e.CachePath)
		if err != nil {
			return nil
		}
		if rv, ok := v.Get("redundant"); ok {
			if b, ok := rv.AsBytes(); ok {
				return b
			}
		}
	}
	return nil
}

// writeRecoveredFiles splits recovered (the reconstructed concatenation of
// every user file's bytes, in manifest order) back into the individual
// cache files the filemap names, creating cache-path entries for any that
// no longer exist in fm.
func writeRecoveredFiles(fm *filemap.Map, recovered []byte, manifest []fileManifestEntry) error {
	offset := int64(0)
	for _, f := range manifest {
		if offset+f.size > int64(len(recovered)) {
			return fmt.Errorf("scr: recover redundancy: manifest longer than recovered data")
		}
		chunk := recovered[offset : offset+f.size]
		offset += f.size

		cachePath := findCachePathByName(fm, f.name)
		if cachePath == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
			return fmt.Errorf("scr: recover redundancy: mkdir: %w", err)
		}
		if err := os.WriteFile(cachePath, chunk, 0o644); err != nil {
			return fmt.Errorf("scr: recover redundancy: write %s: %w", cachePath, err)
		}
		if e, ok := fm.GetMeta(cachePath); ok {
			e.Size = int64(len(chunk))
			e.Complete = true
			fm.SetMeta(cachePath, e)
		}
	}
	return nil
}

func findCachePathByName(fm *filemap.Map, name string) string {
	for _, p := range fm.UserFiles() {
		if filepath.Base(p.OriginPath) == name {
			return p.CachePath
		}
	}
	return ""
}
