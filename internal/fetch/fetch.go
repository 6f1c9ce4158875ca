// Package fetch implements spec.md §4.7: loading the most recent usable
// checkpoint from the prefix directory into cache at job start, retrying
// older checkpoints on failure.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scr-project/scr/internal/cacheindex"
	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/flush"
	"github.com/scr-project/scr/internal/kv"
	"github.com/scr-project/scr/internal/mover"
	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/scr-project/scr/internal/redundancy"
	"github.com/scr-project/scr/internal/scrlog"
)

// Request carries everything Fetch needs to locate, transfer, and
// register a checkpoint.
type Request struct {
	PrefixDir  string
	CacheDir   string
	WorldRank  int
	Group      comm.Comm // redundancy group this rank belongs to
	Scheme     redundancy.Engine
	SchemeName string // e.g. "XOR", used only to name the persisted shard file
	GroupName  string // redundancy group name, used only to name the persisted shard file
	Bypass     bool   // fetch-bypass: use prefix files in place, skip the copy
}

// Result reports what Fetch found and registered.
type Result struct {
	Name    string
	Dataset filemap.DatasetDescriptor
	Map     *filemap.Map
}

// Latest implements spec.md §4.7 "fetch latest": consult idx's current
// pointer, else the most recent complete non-failed checkpoint; read its
// summary; transfer the rank's files into cache (or use them in place
// under bypass); apply redundancy; register in ci/filemap. On failure,
// mark the checkpoint failed in idx and retry the next older one.
func Latest(ctx context.Context, idx *prefixindex.Index, ci *cacheindex.Index, mv mover.Mover, req Request) (*Result, bool) {
	name := idx.Current
	if name == "" {
		var ok bool
		name, ok = idx.MostRecentComplete()
		if !ok {
			return nil, false
		}
	}

	for name != "" {
		res, err := attempt(ctx, idx, ci, mv, req, name)
		if err == nil {
			return res, true
		}
		scrlog.Errorf("fetch", "checkpoint %s: %v", name, err)
		idx.MarkFailed(name)

		next, ok := idx.NextOlderComplete(name)
		if !ok {
			return nil, false
		}
		name = next
	}
	return nil, false
}

func attempt(ctx context.Context, idx *prefixindex.Index, ci *cacheindex.Index, mv mover.Mover, req Request, name string) (*Result, error) {
	rec, ok := idx.Get(name)
	if !ok {
		return nil, fmt.Errorf("fetch: %s not present in index", name)
	}

	datasetDir := filepath.Join(req.PrefixDir, ".scr", fmt.Sprintf("scr.dataset.%d", rec.DatasetID))
	summary, err := flush.ReadSummary(filepath.Join(datasetDir, "summary.scr"))
	if err != nil {
		return nil, fmt.Errorf("fetch: read summary: %w", err)
	}

	paths, ok := summary.RankFile[req.WorldRank]
	if !ok {
		paths = nil
	}

	fm := filemap.New(summary.Dataset)
	for _, src := range paths {
		cachePath := filepath.Join(req.CacheDir, filepath.Base(src))
		entry := &filemap.FileEntry{
			CachePath:  cachePath,
			OriginPath: src,
			Complete:   true,
			Type:       filemap.FileTypeUser,
		}
		if req.Bypass {
			entry.CachePath = src
		} else {
			if _, err := mv.Fetch(ctx, mover.Manifest{Files: []mover.FilePair{{Source: src, Dest: cachePath}}}, req.CacheDir, mover.TypeSync); err != nil {
				return nil, fmt.Errorf("fetch: transfer %s: %w", src, err)
			}
		}
		fm.AddFile(entry)
	}

	if req.Group != nil && req.Scheme != nil {
		if err := reapplyRedundancy(ctx, req, rec.DatasetID, fm); err != nil {
			return nil, fmt.Errorf("fetch: redundancy apply failed for %s: %w", name, err)
		}
	}

	ci.Set(rec.DatasetID, &cacheindex.Entry{
		Name:         name,
		CheckpointID: rec.CheckpointID,
		Fields:       map[string]string{"dir": req.CacheDir},
	})

	return &Result{Name: name, Dataset: summary.Dataset, Map: fm}, nil
}

type fetchedFile struct {
	name string
	size int64
}

// reapplyRedundancy implements spec.md §4.7's "Apply the redundancy scheme
// so the fetched dataset enjoys the same protection as if it had been
// produced in this run": it reads the real bytes of every user file this
// rank just fetched, runs req.Scheme.Apply collectively over req.Group, and
// persists the resulting redundant material as a shard file in the
// dataset's .scr subdirectory, exactly as scr.applyRedundancy does for a
// freshly produced dataset (scr/redundancy_bridge.go), so the fetched
// dataset carries a real shard rather than no redundancy at all.
func reapplyRedundancy(ctx context.Context, req Request, datasetID int, fm *filemap.Map) error {
	var data []byte
	var manifest []fetchedFile
	readErr := error(nil)
	for _, e := range fm.UserFiles() {
		content, err := os.ReadFile(e.CachePath)
		if err != nil {
			readErr = fmt.Errorf("read %s: %w", e.CachePath, err)
			break
		}
		data = append(data, content...)
		manifest = append(manifest, fetchedFile{name: filepath.Base(e.OriginPath), size: int64(len(content))})
	}

	var redundant []byte
	var applyErr error
	localOK := readErr == nil
	if localOK {
		redundant, applyErr = req.Scheme.Apply(ctx, req.Group, data)
		localOK = applyErr == nil
	}
	if readErr != nil {
		scrlog.Errorf("fetch", "redundancy apply: read user files: %v", readErr)
	}
	if applyErr != nil {
		scrlog.Errorf("fetch", "redundancy apply: %v", applyErr)
	}

	allOK, aerr := req.Group.AllreduceAnd(ctx, localOK)
	if aerr != nil {
		return fmt.Errorf("redundancy allreduce: %w", aerr)
	}
	if !allOK {
		return fmt.Errorf("not every rank in the group reapplied redundancy successfully")
	}

	shardDir := filepath.Join(req.CacheDir, ".scr")
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return fmt.Errorf("mkdir shard dir: %w", err)
	}
	schemeName := req.SchemeName
	if schemeName == "" {
		schemeName = "redundancy"
	}
	groupName := req.GroupName
	if groupName == "" {
		groupName = "REDSET"
	}
	shardPath := filepath.Join(shardDir, fmt.Sprintf("%s.%s_%d_of_%d.scr",
		strings.ToLower(schemeName), groupName, req.Group.Rank()+1, req.Group.Size()))

	header := kv.NewMap()
	header.Set("dataset_id", kv.Int(int64(datasetID)))
	header.Set("scheme", kv.String(schemeName))
	header.Set("group_rank", kv.Int(int64(req.Group.Rank())))
	header.Set("group_size", kv.Int(int64(req.Group.Size())))
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
		return fmt.Errorf("write shard: %w", err)
	}

	fm.AddFile(&filemap.FileEntry{
		CachePath: shardPath,
		Size:      int64(len(redundant)),
		Complete:  true,
		Type:      filemap.FileTypeShard,
	})
	return nil
}
