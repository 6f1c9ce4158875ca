package scr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scr-project/scr/internal/kv"
	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/scr-project/scr/internal/scrlog"
)

// HaveRestart reports whether a recoverable checkpoint is currently loaded
// and, if so, its name (spec.md §6 "have_restart(&flag, name_out)"). A
// dataset becomes available here when Init's restart recovery (scalable
// rebuild or fetch) succeeded.
func (s *Session) HaveRestart(ctx context.Context) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.ci.ListOrdered()
	if len(ids) == 0 {
		return false, "", nil
	}
	latestID := ids[len(ids)-1]
	entry, ok := s.ci.Get(latestID)
	if !ok {
		return false, "", nil
	}
	return true, entry.Name, nil
}

// StartRestart begins the restart read phase for the dataset HaveRestart
// reported, loading its filemap and entering Restart state (spec.md §4.1
// "Idle --start_restart--> Restart: requires have_restart true").
func (s *Session) StartRestart(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("start_restart", StateIdle)

	ids := s.ci.ListOrdered()
	if len(ids) == 0 {
		scrlog.Fatalf(component, "start_restart: have_restart is false")
	}
	latestID := ids[len(ids)-1]
	entry, ok := s.ci.Get(latestID)
	if !ok {
		scrlog.Fatalf(component, "start_restart: cache index inconsistent for dataset %d", latestID)
	}

	fh, err := loadFilemapHandle(s.filemapPath(latestID))
	if err != nil {
		return "", fmt.Errorf("scr: start_restart: load filemap: %w", err)
	}

	s.restart = &restartDataset{name: entry.Name, datasetID: latestID, fm: fh}
	s.state = StateRestart
	return entry.Name, nil
}

// CompleteRestart ends the restart read phase. On valid=false (or any
// reconciled failure), the current checkpoint is dropped from the prefix
// index and cache and the next older complete checkpoint is attempted
// (spec.md §4.1 "on not-all-valid, drop current and re-try older
// checkpoint if any", §6).
func (s *Session) CompleteRestart(ctx context.Context, valid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("complete_restart", StateRestart)

	r := s.restart
	allValid, err := s.world.AllreduceAnd(ctx, valid)
	if err != nil {
		return fmt.Errorf("scr: complete_restart: reconcile validity: %w", err)
	}

	if allValid {
		s.restart = nil
		s.state = StateIdle
		return nil
	}

	scrlog.Warnf(component, "restart dataset %q invalid, dropping and retrying older checkpoint", r.name)
	s.dropDataset(r.name, r.datasetID)
	s.restart = nil
	s.state = StateIdle

	if err := s.attemptRestartRecovery(ctx); err != nil {
		return fmt.Errorf("scr: complete_restart: retry older checkpoint: %w", err)
	}
	return fmt.Errorf("scr: complete_restart: dataset %q invalid", r.name)
}

// NeedCheckpoint reports whether the application should take a checkpoint
// now, per the configured interval and halt state (spec.md §6
// "need_checkpoint(&flag)", §4.11 "rank 0 reads the halt file ... at start
// of need_checkpoint"). The interval heuristic here is
// SCR_CHECKPOINT_INTERVAL: every Nth call to need_checkpoint requests one.
func (s *Session) NeedCheckpoint(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshHaltState(ctx); err != nil {
		return false, err
	}
	if s.haltState.ShouldExit(time.Now()) {
		return true, nil
	}

	interval := s.cfg.GetInt("SCR_CHECKPOINT_INTERVAL", 1)
	if interval <= 0 {
		interval = 1
	}
	s.checkpointsSinceFlush++
	need := s.checkpointsSinceFlush%interval == 0

	allAgree, err := s.world.AllreduceAnd(ctx, need)
	if err != nil {
		return false, fmt.Errorf("scr: need_checkpoint: reconcile: %w", err)
	}
	return allAgree, nil
}

// ShouldExit reports whether the halt state currently requires the job to
// exit (spec.md §4.11, §6 "should_exit(&flag)").
func (s *Session) ShouldExit(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.refreshHaltState(ctx); err != nil {
		return false, err
	}
	exit := s.haltState.ShouldExit(time.Now())
	allExit, err := s.world.AllreduceAnd(ctx, exit)
	if err != nil {
		return false, fmt.Errorf("scr: should_exit: reconcile: %w", err)
	}
	return allExit, nil
}

// refreshHaltState has rank 0 reread the halt file under its advisory lock
// and broadcasts the result to every rank (spec.md §4.11 "rank 0 reads the
// halt file ... all ranks learn, by broadcast, whether the job should
// exit").
func (s *Session) refreshHaltState(ctx context.Context) error {
	var buf []byte
	if s.world.Rank() == 0 {
		h, err := prefixindex.ReadHaltLocked(s.haltPath())
		if err != nil {
			return fmt.Errorf("scr: refresh halt state: %w", err)
		}
		h.DecrementCheckpoint()
		if err := h.WriteHaltLocked(s.haltPath()); err != nil {
			scrlog.Warnf(component, "refresh halt state: rewrite: %v", err)
		}
		var merr error
		buf, merr = kv.Marshal(h.ToValue())
		if merr != nil {
			return fmt.Errorf("scr: refresh halt state: encode: %w", merr)
		}
	}
	out, err := s.world.Broadcast(ctx, 0, buf)
	if err != nil {
		return fmt.Errorf("scr: refresh halt state: broadcast: %w", err)
	}
	v, err := kv.Unmarshal(out)
	if err != nil {
		return fmt.Errorf("scr: refresh halt state: decode: %w", err)
	}
	s.haltState = prefixindex.HaltStateFromValue(v)
	return nil
}

// Current declares name the current checkpoint for future fetches,
// optionally dropping every later-checkpointed dataset from the index
// (spec.md §6 "current(name)"). Only rank 0's call has effect; every rank
// must still call this collectively to keep the call sequence uniform.
func (s *Session) Current(ctx context.Context, name string, dropLater bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world.Rank() != 0 {
		return nil
	}
	s.prefixIdx.SetCurrent(name, dropLater)
	return s.prefixIdx.WriteLocked(s.prefixIndexPath())
}

// Drop removes name from the prefix index only, leaving any flushed
// storage in place (spec.md §6 "drop(name)").
func (s *Session) Drop(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world.Rank() != 0 {
		return nil
	}
	s.prefixIdx.Drop(name)
	return s.prefixIdx.WriteLocked(s.prefixIndexPath())
}

// Delete removes name from cache, prefix storage, and the prefix index
// (spec.md §6 "delete(name)"). CRC mismatches observed while deleting are
// logged but never block deletion (spec.md §7 "Propagation policy").
func (s *Session) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.prefixIdx.Get(name)
	if !ok {
		return fmt.Errorf("scr: delete: %q not found", name)
	}
	if s.cfg.GetBool("SCR_CRC_ON_DELETE") {
		if fh, err := loadFilemapHandle(s.filemapPath(rec.DatasetID)); err == nil {
			for _, e := range fh.m.UserFiles() {
				if sum, cerr := crc32File(e.CachePath); e.HasCRC32 && cerr == nil && sum != e.CRC32 {
					scrlog.Warnf(component, "delete %q: crc mismatch on %s", name, e.CachePath)
				}
			}
		}
	}
	s.dropDataset(name, rec.DatasetID)

	if s.world.Rank() == 0 {
		datasetDir := filepath.Join(s.PrefixDir, ".scr", fmt.Sprintf("scr.dataset.%d", rec.DatasetID))
		if err := os.RemoveAll(datasetDir); err != nil {
			scrlog.Warnf(component, "delete %q: remove prefix storage: %v", name, err)
		}
	}
	return nil
}

// dropDataset evicts a dataset from this rank's cache and removes it from
// the prefix index (rank 0 only for the latter), used by both
// complete_restart's drop-and-retry path and Delete.
func (s *Session) dropDataset(name string, datasetID int) {
	s.evictFromCache(datasetID)
	if s.world.Rank() == 0 {
		s.prefixIdx.Drop(name)
		if err := s.prefixIdx.WriteLocked(s.prefixIndexPath()); err != nil {
			scrlog.Warnf(component, "drop dataset %q: persist prefix index: %v", name, err)
		}
	}
}
