package scr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scr-project/scr/internal/cacheindex"
	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/descriptor"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/flush"
	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/scr-project/scr/internal/scrlog"
)

// StartCheckpoint is StartOutput with the checkpoint flag set (spec.md §6
// "start_checkpoint()").
func (s *Session) StartCheckpoint(ctx context.Context) error {
	return s.StartOutput(ctx, fmt.Sprintf("ckpt.%d", s.nextCheckpointID), filemap.FlagCheckpoint)
}

// CompleteCheckpoint is CompleteOutput for a checkpoint dataset (spec.md
// §6 "complete_checkpoint(valid)").
func (s *Session) CompleteCheckpoint(ctx context.Context, valid bool) error {
	return s.CompleteOutput(ctx, valid)
}

// StartOutput allocates a new dataset id, creates its cache directory, and
// enters the Output (or Checkpoint) state (spec.md §4.1, §6). name and
// flags must be identical on every rank; that is enforced by the world
// communicator's collective contract (spec.md §5), not re-verified here.
func (s *Session) StartOutput(ctx context.Context, name string, flags int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("start_output", StateIdle)

	id := s.nextDatasetID
	s.nextDatasetID++

	ckptID := 0
	if flags&filemap.FlagCheckpoint != 0 {
		ckptID = s.nextCheckpointID
		s.nextCheckpointID++
	}

	desc, ok := descriptor.Select(s.redDescs, flags&filemap.FlagOutput != 0, flags&filemap.FlagCheckpoint != 0, ckptID)
	if !ok {
		return fmt.Errorf("scr: start_output: no enabled redundancy descriptor selected (spec.md §4.4)")
	}
	s.redDesc = desc

	if err := os.MkdirAll(s.datasetCacheDir(id), 0o755); err != nil {
		return fmt.Errorf("scr: start_output: mkdir cache dir: %w", err)
	}

	s.evictForRetention()

	ds := filemap.DatasetDescriptor{
		ID: id, Name: name, Flags: flags,
		CreatedUnix: time.Now().Unix(), User: s.User, JobID: s.JobID,
		CheckpointID: ckptID,
	}
	s.output = &outputDataset{datasetID: id, fm: newFilemapHandle(s, ds)}

	if flags&filemap.FlagCheckpoint != 0 {
		s.state = StateCheckpoint
	} else {
		s.state = StateOutput
	}
	return nil
}

// evictForRetention drops the oldest resident datasets from cache so the
// number resident never exceeds the cache store's MaxCount (spec.md §6
// "start_output ... evict older datasets to honor retention").
func (s *Session) evictForRetention() {
	if s.cacheStore == nil || s.cacheStore.MaxCount <= 0 {
		return
	}
	ids := s.ci.ListOrdered()
	for len(ids) >= s.cacheStore.MaxCount {
		s.evictFromCache(ids[0])
		ids = ids[1:]
	}
}

func (s *Session) evictFromCache(datasetID int) {
	if err := os.RemoveAll(s.datasetCacheDir(datasetID)); err != nil {
		scrlog.Warnf(component, "evict dataset %d: %v", datasetID, err)
	}
	_ = os.Remove(s.filemapPath(datasetID))
	s.ci.Unset(datasetID)
}

// RouteFile implements spec.md §4.9.
func (s *Session) RouteFile(ctx context.Context, userPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOutput, StateCheckpoint:
		return s.routeOutput(userPath)
	case StateRestart:
		return s.routeRestart(userPath)
	default:
		// Non-fatal pass-through outside Output/Checkpoint/Restart
		// (spec.md §4.1: "route_file outside of Output/Checkpoint/Restart
		// is a non-fatal pass-through").
		return userPath, nil
	}
}

func (s *Session) routeOutput(userPath string) (string, error) {
	if userPath == "" {
		return "", fmt.Errorf("scr: route_file: empty path rejected")
	}
	abs, err := filepath.Abs(userPath)
	if err != nil {
		return "", fmt.Errorf("scr: route_file: %w", err)
	}

	if s.redDesc.Bypass {
		rel := strings.TrimPrefix(abs, string(os.PathSeparator))
		dest := filepath.Clean(filepath.Join(s.PrefixDir, rel))
		prefixClean := filepath.Clean(s.PrefixDir)
		if dest != prefixClean && !strings.HasPrefix(dest, prefixClean+string(os.PathSeparator)) {
			scrlog.Fatalf(component, "route_file: bypass destination %s escapes prefix root %s", dest, s.PrefixDir)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", fmt.Errorf("scr: route_file: mkdir bypass dest: %w", err)
		}
		s.output.fm.m.AddFile(&filemap.FileEntry{
			CachePath: dest, OriginPath: abs, Type: filemap.FileTypeUser,
		})
		return dest, nil
	}

	cachePath := filepath.Join(s.datasetCacheDir(s.output.datasetID), filepath.Base(abs))
	s.output.fm.m.AddFile(&filemap.FileEntry{
		CachePath: cachePath, OriginPath: abs, Type: filemap.FileTypeUser,
	})
	return cachePath, nil
}

func (s *Session) routeRestart(userPath string) (string, error) {
	if info, err := os.Stat(userPath); err == nil && !info.IsDir() {
		return userPath, nil
	}
	if s.restart == nil {
		return "", fmt.Errorf("scr: route_file: no active restart")
	}
	base := filepath.Base(userPath)
	for _, p := range s.restart.fm.m.ListFiles() {
		e, _ := s.restart.fm.m.GetMeta(p)
		if e != nil && filepath.Base(e.OriginPath) == base {
			return e.CachePath, nil
		}
	}
	return "", fmt.Errorf("scr: route_file: no match for %q in restarted dataset", userPath)
}

// CompleteOutput implements spec.md §4.1/§4.10/§6: ownership assignment,
// file/dataset completeness, redundancy apply, optional flush.
func (s *Session) CompleteOutput(ctx context.Context, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("complete_output", StateOutput, StateCheckpoint)

	out := s.output
	fm := out.fm.m
	group := s.redDesc.Group.Subgroup

	if err := s.assignOwnership(ctx, fm); err != nil {
		return err
	}

	localValid := valid && s.finalizeFileMetadata(fm)

	allValid, err := s.world.AllreduceAnd(ctx, localValid)
	if err != nil {
		return fmt.Errorf("scr: complete_output: reconcile validity: %w", err)
	}

	applyOK := false
	if allValid {
		applyOK, err = s.applyRedundancy(ctx, group, fm)
		if err != nil {
			scrlog.Errorf(component, "redundancy apply: %v", err)
		}
	}

	fm.Dataset.Complete = allValid && applyOK
	out.fm.m.Dataset = fm.Dataset
	if err := out.fm.persist(); err != nil {
		scrlog.Errorf(component, "persist filemap: %v", err)
	}

	if err := s.refreshHaltState(ctx); err != nil {
		scrlog.Warnf(component, "complete_output: %v", err)
	}

	if !fm.Dataset.Complete {
		scrlog.Warnf(component, "dataset %d incomplete, evicting from cache", out.datasetID)
		s.evictFromCache(out.datasetID)
		s.output = nil
		s.state = StateIdle
		return fmt.Errorf("scr: complete_output: dataset invalid or redundancy apply failed")
	}

	s.ci.Set(out.datasetID, &cacheindex.Entry{
		Name: fm.Dataset.Name, CheckpointID: fm.Dataset.CheckpointID,
		Fields: map[string]string{"dir": s.datasetCacheDir(out.datasetID)},
	})
	if err := s.ci.WriteTo(s.ciPath()); err != nil {
		scrlog.Errorf(component, "persist cache index: %v", err)
	}

	if s.shouldFlush(fm.Dataset) {
		if err := s.doFlush(ctx, group, fm); err != nil {
			scrlog.Errorf(component, "flush: %v", err)
		}
	}

	s.output = nil
	s.state = StateIdle
	return nil
}

// assignOwnership reconciles shared-file claims across the whole job
// (spec.md §4.10): for each origin path, the lowest world rank that
// registered it keeps the filemap entry; all other claimants drop it. In
// bypass mode a shared claim is tolerated (SPEC_FULL.md open question 3);
// otherwise a second claimant is a fatal ownership violation (spec.md §7
// error kind 4).
func (s *Session) assignOwnership(ctx context.Context, fm *filemap.Map) error {
	var mine []string
	for _, p := range fm.ListFiles() {
		if e, ok := fm.GetMeta(p); ok {
			mine = append(mine, e.OriginPath)
		}
	}
	gathered, err := s.world.AllGather(ctx, []byte(strings.Join(mine, "\n")))
	if err != nil {
		return fmt.Errorf("scr: assign ownership: %w", err)
	}

	firstRank := make(map[string]int)
	claims := make(map[string]int)
	for rank, blob := range gathered {
		for _, origin := range strings.Split(string(blob), "\n") {
			if origin == "" {
				continue
			}
			claims[origin]++
			if _, ok := firstRank[origin]; !ok {
				firstRank[origin] = rank
			}
		}
	}

	self := s.world.Rank()
	for _, p := range fm.ListFiles() {
		e, ok := fm.GetMeta(p)
		if !ok {
			continue
		}
		if claims[e.OriginPath] > 1 && !s.redDesc.Bypass {
			scrlog.Fatalf(component, "ownership violation: %s claimed by %d ranks", e.OriginPath, claims[e.OriginPath])
		}
		if firstRank[e.OriginPath] != self {
			fm.RemoveFile(p)
		}
	}
	return nil
}

// finalizeFileMetadata stats every user file this rank still owns after
// ownership assignment, filling in size/CRC/mtime and the per-file
// Complete flag (spec.md §3 invariant 4). It returns whether every owned
// file is complete.
func (s *Session) finalizeFileMetadata(fm *filemap.Map) bool {
	allOK := true
	wantCRC := s.cfg.GetBool("SCR_CRC_ON_COPY")
	for _, p := range fm.ListFiles() {
		e, ok := fm.GetMeta(p)
		if !ok || e.Type != filemap.FileTypeUser {
			continue
		}
		info, err := os.Stat(e.CachePath)
		if err != nil {
			scrlog.Warnf(component, "stat %s: %v", e.CachePath, err)
			e.Complete = false
			allOK = false
			continue
		}
		e.Size = info.Size()
		e.HasMTime = true
		e.MTime = info.ModTime()
		if wantCRC {
			if sum, err := crc32File(e.CachePath); err == nil {
				e.HasCRC32 = true
				e.CRC32 = sum
			} else {
				scrlog.Warnf(component, "crc32 %s: %v", e.CachePath, err)
			}
		}
		e.Complete = true
		fm.SetMeta(p, e)
	}
	return allOK
}

// shouldFlush decides whether a just-completed dataset is flushed to the
// prefix directory now (spec.md §4.6, §6 "SCR_FLUSH (period in
// checkpoints; 0 disables)"): output-flagged datasets always flush;
// checkpoints flush every SCR_FLUSH checkpoints.
func (s *Session) shouldFlush(ds filemap.DatasetDescriptor) bool {
	if ds.Flags&filemap.FlagOutput != 0 {
		return true
	}
	period := s.cfg.GetInt("SCR_FLUSH", 0)
	if period <= 0 {
		return false
	}
	return ds.CheckpointID%period == 0
}

func (s *Session) doFlush(ctx context.Context, group comm.Comm, fm *filemap.Map) error {
	_ = group
	if s.cfg.GetBool("SCR_FLUSH_ASYNC") {
		if err := s.pollAsyncFlush(ctx); err != nil {
			scrlog.Warnf(component, "completing prior async flush: %v", err)
		}
		if err := s.asyncFlusher.Start(ctx, s.world, s.PrefixDir, fm); err != nil {
			return fmt.Errorf("scr: async flush start: %w", err)
		}
		ds := fm.Dataset
		s.pendingAsync = &ds
	} else {
		ok, err := flush.Sync(ctx, s.world, s.PrefixDir, fm, s.mv)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("scr: sync flush failed")
		}
		if err := s.recordFlushed(fm.Dataset); err != nil {
			return err
		}
	}
	return nil
}

// pollAsyncFlush blocks for any in-flight async flush to finish and, on
// success, records it in the prefix index (spec.md §4.6 "Asynchronous
// flush ... subsequent calls to test/wait/complete drive completion").
func (s *Session) pollAsyncFlush(ctx context.Context) error {
	if s.asyncFlusher == nil || !s.asyncFlusher.Active() {
		return nil
	}
	ok, err := s.asyncFlusher.Complete(ctx)
	pending := s.pendingAsync
	s.pendingAsync = nil
	if err != nil {
		return fmt.Errorf("scr: async flush: %w", err)
	}
	if !ok || pending == nil {
		return nil
	}
	return s.recordFlushed(*pending)
}

// recordFlushed updates the prefix index, tags the dataset PFS in the
// flush file, and enforces the checkpoint retention window (spec.md §4.6
// steps v-vi). Only rank 0 writes the prefix index (spec.md §5 "Prefix
// index file: written only by rank 0") and the flush file.
func (s *Session) recordFlushed(ds filemap.DatasetDescriptor) error {
	if s.world.Rank() != 0 {
		return nil
	}
	s.prefixIdx.Set(&prefixindex.Record{
		Name: ds.Name, DatasetID: ds.ID, CheckpointID: ds.CheckpointID,
		Flags: ds.Flags, Complete: true,
	})
	ff, err := flush.ReadFrom(s.flushFilePath())
	if err == nil {
		ff.Set(ds.ID, flush.LocationPFS)
		err = ff.WriteTo(s.flushFilePath())
	}
	if err != nil {
		scrlog.Warnf(component, "update flush file: %v", err)
	}
	s.purgePrefixRetention()
	return s.prefixIdx.WriteLocked(s.prefixIndexPath())
}

// purgePrefixRetention deletes older pure checkpoints from the prefix
// index and disk once more than SCR_PREFIX_SIZE are present, keeping any
// dataset flagged output (spec.md §4.6 step vi, §8 "Retention window of 1
// keeps exactly the current dataset and purges all older pure
// checkpoints").
func (s *Session) purgePrefixRetention() {
	n := s.cfg.GetInt("SCR_PREFIX_SIZE", 0)
	if n <= 0 {
		return
	}
	type cand struct {
		name string
		id   int
		ckpt int
	}
	var pure []cand
	for _, name := range s.prefixIdx.AllNames() {
		r, ok := s.prefixIdx.Get(name)
		if !ok || !r.Complete || r.Failed {
			continue
		}
		if r.Flags&filemap.FlagOutput != 0 {
			continue // output-flagged datasets are never purged by retention
		}
		pure = append(pure, cand{name: name, id: r.DatasetID, ckpt: r.CheckpointID})
	}
	sort.Slice(pure, func(i, j int) bool { return pure[i].ckpt > pure[j].ckpt })
	for i := n; i < len(pure); i++ {
		victim := pure[i]
		s.prefixIdx.Drop(victim.name)
		_ = os.RemoveAll(filepath.Join(s.PrefixDir, ".scr", fmt.Sprintf("scr.dataset.%d", victim.id)))
	}
}
