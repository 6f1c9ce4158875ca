package flush

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/mover"
	"github.com/scr-project/scr/internal/ranker"
	"github.com/scr-project/scr/internal/scrlog"
)

// PlanFile is one file this rank must move from cache to the prefix
// directory, preserving the user's original path hierarchy under the
// prefix root (spec.md §4.6 step i).
type PlanFile struct {
	CachePath string
	DestPath  string
}

// Plan builds the destination path for every user file entry of fm under
// prefixDir, by joining the prefix root with the origin path's components
// (spec.md §4.9 records the original absolute path under the prefix for
// non-bypass files, so that path is reused verbatim here).
func Plan(fm *filemap.Map, prefixDir string) []PlanFile {
	var plan []PlanFile
	for _, e := range fm.UserFiles() {
		rel := strings.TrimPrefix(e.OriginPath, string(os.PathSeparator))
		plan = append(plan, PlanFile{
			CachePath: e.CachePath,
			DestPath:  filepath.Join(prefixDir, rel),
		})
	}
	return plan
}

// MakeDestDirs creates every unique destination directory named in plan,
// electing one leader per directory (lowest rank naming it, the same
// name-ranking rule package ranker applies per-rank) so concurrent ranks
// sharing a directory don't race on mkdir (spec.md §4.6 step ii). Every
// rank in group must call this collectively with its own plan.
func MakeDestDirs(ctx context.Context, group comm.Comm, plan []PlanFile) error {
	dirSet := make(map[string]bool)
	for _, p := range plan {
		dirSet[filepath.Dir(p.DestPath)] = true
	}
	var dirs []string
	for d := range dirSet {
		dirs = append(dirs, d)
	}

	gathered, err := group.AllGather(ctx, []byte(strings.Join(dirs, "\n")))
	if err != nil {
		return fmt.Errorf("flush: gather dest dirs: %w", err)
	}

	// Build one leader assignment per globally distinct directory via
	// package ranker's name-ranking rule: flatten every rank's reported
	// directories in rank order, then elect the lowest-rank occurrence of
	// each distinct name as that directory's leader.
	var dirsFlat []string
	var owners []int
	for rank, blob := range gathered {
		for _, d := range strings.Split(string(blob), "\n") {
			if d == "" {
				continue
			}
			dirsFlat = append(dirsFlat, d)
			owners = append(owners, rank)
		}
	}
	leaders := ranker.ElectLeaders(dirsFlat)
	firstRank := make(map[string]int)
	for i, isLeader := range leaders {
		if isLeader {
			firstRank[dirsFlat[i]] = owners[i]
		}
	}

	self := group.Rank()
	for d := range dirSet {
		if firstRank[d] != self {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("flush: mkdir %s: %w", d, err)
		}
	}

	return group.Barrier(ctx)
}

// Sync runs spec.md §4.6's synchronous flush: materialize the file list,
// create destination directories, hand the list to mv, and write the
// summary. Every rank in group must call Sync collectively.
func Sync(ctx context.Context, group comm.Comm, prefixDir string, fm *filemap.Map, mv mover.Mover) (bool, error) {
	plan := Plan(fm, prefixDir)

	if err := MakeDestDirs(ctx, group, plan); err != nil {
		scrlog.Errorf("flush", "make dest dirs: %v", err)
		return reconcileSuccess(ctx, group, false)
	}

	files := make([]mover.FilePair, len(plan))
	var destPaths []string
	for i, p := range plan {
		files[i] = mover.FilePair{Source: p.CachePath, Dest: p.DestPath}
		destPaths = append(destPaths, p.DestPath)
	}

	status, err := mv.Fetch(ctx, mover.Manifest{Files: files}, prefixDir, mover.TypeSync)
	local := err == nil && status == mover.StatusDone
	if err != nil {
		scrlog.Errorf("flush", "transfer to %s: %v", prefixDir, err)
	}

	ok, rerr := reconcileSuccess(ctx, group, local)
	if rerr != nil {
		return false, rerr
	}
	if !ok {
		return false, nil
	}

	datasetDir := filepath.Join(prefixDir, ".scr", fmt.Sprintf("scr.dataset.%d", fm.Dataset.ID))
	summary := NewSummary(fm.Dataset)
	gathered, err := group.Gather(ctx, 0, []byte(strings.Join(destPaths, "\n")))
	if err != nil {
		return false, fmt.Errorf("flush: gather summary paths: %w", err)
	}
	if group.Rank() == 0 {
		for rank, blob := range gathered {
			var paths []string
			for _, p := range strings.Split(string(blob), "\n") {
				if p != "" {
					paths = append(paths, p)
				}
			}
			summary.AddRankFiles(rank, paths)
		}
		if err := os.MkdirAll(datasetDir, 0o755); err != nil {
			return false, fmt.Errorf("flush: mkdir %s: %w", datasetDir, err)
		}
		if err := summary.WriteTo(filepath.Join(datasetDir, "summary.scr")); err != nil {
			return false, fmt.Errorf("flush: write summary: %w", err)
		}
	}

	return true, nil
}

// reconcileSuccess performs the allreduce-of-local-success every collective
// operation uses per spec.md §5/§7, so every rank returns the same result.
func reconcileSuccess(ctx context.Context, group comm.Comm, local bool) (bool, error) {
	all, err := group.AllreduceAnd(ctx, local)
	if err != nil {
		return false, fmt.Errorf("flush: reconcile success: %w", err)
	}
	return all, nil
}
