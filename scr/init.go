package scr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/scr-project/scr/internal/cacheindex"
	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/descriptor"
	"github.com/scr-project/scr/internal/fetch"
	"github.com/scr-project/scr/internal/flush"
	"github.com/scr-project/scr/internal/mover"
	"github.com/scr-project/scr/internal/prefixindex"
	"github.com/scr-project/scr/internal/rebuild"
	"github.com/scr-project/scr/internal/redundancy"
	"github.com/scr-project/scr/internal/scrlog"
)

const component = "scr"

func (s *Session) ciPath() string  { return filepath.Join(s.CntlDir, "cindex.scrinfo") }
func (s *Session) prefixIndexPath() string {
	return filepath.Join(s.PrefixDir, ".scr", "index.scrinfo")
}
func (s *Session) haltPath() string { return filepath.Join(s.PrefixDir, ".scr", "halt.scr") }
func (s *Session) flushFilePath() string {
	return filepath.Join(s.PrefixDir, ".scr", "flush.scr")
}

// buildRedundancySet deterministically partitions world into contiguous
// blocks of setSize ranks with no communication required (every rank
// computes the same partition locally from its own world rank and size),
// and returns the Group containing this rank's block. A final short block
// (world size not a multiple of setSize) degrades to a smaller set. SINGLE
// and XOR tolerate that (buildOneDescriptor switches an XOR set of one to
// SINGLE); the PARTNER engine returns an error for a set of one.
func buildRedundancySet(world comm.Comm, setSize int) *descriptor.Group {
	if setSize <= 0 {
		setSize = world.Size()
	}
	self := world.Rank()
	blockStart := (self / setSize) * setSize
	blockEnd := blockStart + setSize
	if blockEnd > world.Size() {
		blockEnd = world.Size()
	}
	members := make([]int, 0, blockEnd-blockStart)
	for r := blockStart; r < blockEnd; r++ {
		members = append(members, r)
	}
	return &descriptor.Group{
		Name:      "REDSET",
		WorldRank: self,
		Members:   members,
		Subgroup:  world.Sub(members),
	}
}

// buildDescriptors constructs the group/store/redundancy descriptors from
// the session's config (spec.md §4.4), degrading an undersized XOR set to
// SINGLE with a warning (spec.md §8 "Rank counts of 1 in XOR degrade to
// SINGLE with a warning").
func (s *Session) buildDescriptors(ctx context.Context) error {
	nodeAttr := s.NodeAttr
	if nodeAttr == "" {
		nodeAttr = "default-node"
	}
	nodeGroup, err := descriptor.BuildGroup(ctx, "NODE", s.world, nodeAttr)
	if err != nil {
		return fmt.Errorf("scr: build NODE group: %w", err)
	}
	s.nodeGroup = nodeGroup

	s.cacheStore = &descriptor.Store{
		Name: "cache", BasePath: s.CacheDir, MaxCount: s.cfg.GetInt("SCR_CACHE_SIZE", 1),
		TransferType: "sync", View: descriptor.ViewNodeLocal, Group: nodeGroup,
	}
	s.prefixStr = &descriptor.Store{
		Name: "prefix", BasePath: s.PrefixDir, MaxCount: s.cfg.GetInt("SCR_PREFIX_SIZE", 0),
		TransferType: s.cfgString("SCR_FLUSH_TYPE", "sync"), View: descriptor.ViewGlobal,
	}

	descs, err := s.buildRedundancyDescriptors()
	if err != nil {
		return err
	}
	s.redDescs = descs

	// Pick a starting descriptor (no dataset selected yet) so any accessor
	// that runs before the first start_output/start_checkpoint has
	// something to use; start_output re-selects per spec.md §4.4 once it
	// knows the dataset's actual output/checkpoint flags and checkpoint id.
	desc, ok := descriptor.Select(descs, false, false, 0)
	if !ok {
		return fmt.Errorf("scr: no enabled redundancy descriptor with interval 1 found")
	}
	s.redDesc = desc
	return nil
}

// buildRedundancyDescriptors builds every configured redundancy descriptor
// (spec.md §4.4): one per "CKPTDESC_<i> TYPE=... SET_SIZE=..." config line
// (the real SCR's indexed-descriptor convention, see original_source's
// scr_reddesc.c scr_reddesc_create_list), plus the descriptor the legacy
// top-level SCR_COPY_TYPE/SCR_SET_SIZE/SCR_SET_FAILURES keys describe.
// The legacy descriptor always exists and always carries Interval==1
// (SCR_CHECKPOINT_INTERVAL drives need_checkpoint, not descriptor
// selection), which is what
// guarantees spec.md §4.4's "a descriptor with interval 1 must exist"
// invariant even when no CKPTDESC_<i> line does.
func (s *Session) buildRedundancyDescriptors() ([]*descriptor.Redundancy, error) {
	var descs []*descriptor.Redundancy
	for _, i := range s.cfg.DescriptorIndices() {
		key := fmt.Sprintf("CKPTDESC_%d", i)
		d, err := s.buildOneDescriptor(s.cfg.SubKeys(key))
		if err != nil {
			return nil, fmt.Errorf("scr: %s: %w", key, err)
		}
		descs = append(descs, d)
	}
	legacy, err := s.buildOneDescriptor(nil)
	if err != nil {
		return nil, err
	}
	return append(descs, legacy), nil
}

// buildOneDescriptor builds a single Redundancy descriptor, reading each
// field from sub (a CKPTDESC_<i> line's sub-keys) first and falling back to
// the legacy top-level SCR_* keys (sub == nil uses only the legacy keys);
// INTERVAL has no legacy key and defaults to 1.
func (s *Session) buildOneDescriptor(sub map[string]string) (*descriptor.Redundancy, error) {
	typeStr := sub["TYPE"]
	if typeStr == "" {
		typeStr = s.cfgString("SCR_COPY_TYPE", "SINGLE")
	}
	scheme, ok := descriptor.ParseScheme(typeStr)
	if !ok {
		return nil, fmt.Errorf("unknown TYPE %q", typeStr)
	}

	setSize := subInt(sub, "SET_SIZE", s.cfg.GetInt("SCR_SET_SIZE", 8))
	failures := subInt(sub, "SET_FAILURES", s.cfg.GetInt("SCR_SET_FAILURES", 1))
	interval := subInt(sub, "INTERVAL", 1)
	if interval <= 0 {
		interval = 1
	}
	enabled := subBool(sub, "ENABLED", true)
	output := subBool(sub, "OUTPUT", false)
	bypass := subBool(sub, "BYPASS", s.cfg.GetBool("SCR_CACHE_BYPASS"))

	redSet := buildRedundancySet(s.world, setSize)
	if scheme == descriptor.SchemeXOR && redSet.Subgroup.Size() <= 1 {
		scrlog.Warnf(component, "XOR set size %d degrades to SINGLE", redSet.Subgroup.Size())
		scheme = descriptor.SchemeSingle
	}

	return &descriptor.Redundancy{
		Store: s.cacheStore, Group: redSet, Scheme: scheme,
		SetSize: redSet.Subgroup.Size(), Failures: failures, Interval: interval,
		Enabled: enabled, Output: output, Bypass: bypass,
	}, nil
}

// subInt/subBool read key from sub (a CKPTDESC_<i> descriptor's sub-keys)
// if present, else return def.
func subInt(sub map[string]string, key string, def int) int {
	v, ok := sub[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func subBool(sub map[string]string, key string, def bool) bool {
	v, ok := sub[key]
	if !ok {
		return def
	}
	return v != "" && v != "0"
}

func (s *Session) cfgString(key, def string) string {
	if v, ok := s.cfg.Get(key); ok && v != "" {
		return v
	}
	return def
}

func (s *Session) redundancyEngine() (redundancy.Engine, bool) {
	return redundancy.New(s.redDesc.Scheme, s.redDesc.SetSize, s.redDesc.Failures)
}

// Init constructs descriptors and attempts to recover runtime state:
// scalable rebuild first, falling back to a fetch from the prefix
// directory (spec.md §4.1 "init success -> Idle", §4.8, §4.7).
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("init", StateUninit)

	if !s.cfg.GetBool("SCR_ENABLE") {
		return fmt.Errorf("scr: SCR_ENABLE=0, init declines")
	}
	scrlog.SetDebug(s.cfg.GetBool("SCR_DEBUG"))

	for _, dir := range []string{s.CntlDir, s.CacheDir, filepath.Join(s.PrefixDir, ".scr")} {
		if dir == "" {
			return fmt.Errorf("scr: init: directory unset")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scr: init: mkdir %s: %w", dir, err)
		}
	}

	if err := s.buildDescriptors(ctx); err != nil {
		return err
	}

	ci, err := cacheindex.ReadFrom(s.ciPath())
	if err != nil {
		return fmt.Errorf("scr: read cache index: %w", err)
	}
	s.ci = ci

	prefixIdx, err := prefixindex.ReadLocked(s.prefixIndexPath())
	if err != nil {
		return fmt.Errorf("scr: read prefix index: %w", err)
	}
	s.prefixIdx = prefixIdx

	halt, err := prefixindex.ReadHaltLocked(s.haltPath())
	if err != nil {
		return fmt.Errorf("scr: read halt state: %w", err)
	}
	s.haltState = halt

	mv := s.mv
	if mv == nil {
		local, err := mover.Open(filepath.Join(s.CntlDir, "mover.db"))
		if err != nil {
			return fmt.Errorf("scr: open mover: %w", err)
		}
		mv = local
		s.mv = local
	}
	s.asyncFlusher = flush.NewAsyncFlusher(mv)

	s.nextDatasetID, s.nextCheckpointID = s.recoverCounters()

	if err := s.attemptRestartRecovery(ctx); err != nil {
		scrlog.Warnf(component, "restart recovery: %v", err)
	}

	s.state = StateIdle
	return nil
}

// recoverCounters scans the local cache index and prefix index for the
// highest dataset/checkpoint ids already used, so a restarted job's ids
// continue strictly increasing (spec.md §3 invariant 1) without requiring
// any new collective exchange (every rank observes the same persisted
// prefix index, which is the authoritative upper bound across the job).
func (s *Session) recoverCounters() (nextDataset, nextCheckpoint int) {
	for _, id := range s.ci.ListOrdered() {
		if id >= nextDataset {
			nextDataset = id + 1
		}
		if e, ok := s.ci.Get(id); ok && e.CheckpointID >= nextCheckpoint {
			nextCheckpoint = e.CheckpointID + 1
		}
	}
	for _, name := range s.prefixIdx.AllNames() {
		if r, ok := s.prefixIdx.Get(name); ok {
			if r.DatasetID >= nextDataset {
				nextDataset = r.DatasetID + 1
			}
			if r.CheckpointID >= nextCheckpoint {
				nextCheckpoint = r.CheckpointID + 1
			}
		}
	}
	return nextDataset, nextCheckpoint
}

// attemptRestartRecovery implements spec.md §4.8's "init attempts a
// scalable rebuild; if that fails, it attempts a fetch". On success it
// leaves the recovered dataset ready to serve have_restart/start_restart.
func (s *Session) attemptRestartRecovery(ctx context.Context) error {
	local := make(map[int]rebuild.Dataset)
	handles := make(map[int]*filemapHandle)
	for _, id := range s.ci.ListOrdered() {
		fh, err := loadFilemapHandle(s.filemapPath(id))
		if err != nil {
			continue
		}
		engine, ok := s.redundancyEngine()
		if !ok {
			continue
		}
		handles[id] = fh

		data, manifest, readErr := readUserFiles(fh.m)
		redundant := s.loadShardRedundant(fh.m)
		local[id] = rebuild.Dataset{
			Map: fh.m, Group: s.redDesc.Group.Subgroup, Engine: engine,
			DataChecked: true, HasData: readErr == nil && len(manifest) > 0,
			Data: data, Redundant: redundant,
		}
	}

	best, ok, outcomes, err := rebuild.Rebuild(ctx, s.world, local)
	if err != nil {
		return err
	}
	for _, oc := range outcomes {
		if !oc.Succeeded {
			s.evictFromCache(oc.DatasetID)
		}
	}
	if ok {
		fh := handles[best]
		for _, oc := range outcomes {
			if oc.DatasetID == best && oc.RecoveredData != nil {
				manifest := manifestFromFilemap(fh.m)
				if werr := writeRecoveredFiles(fh.m, oc.RecoveredData, manifest); werr != nil {
					return fmt.Errorf("scr: scalable rebuild: materialize recovered files: %w", werr)
				}
				if perr := fh.persist(); perr != nil {
					scrlog.Warnf(component, "scalable rebuild: persist filemap: %v", perr)
				}
			}
		}
		s.currentCkptID = fh.m.Dataset.CheckpointID
		s.ci.Set(best, &cacheindex.Entry{
			Name: fh.m.Dataset.Name, CheckpointID: fh.m.Dataset.CheckpointID,
			Fields: map[string]string{"dir": s.datasetCacheDir(best)},
		})
		scrlog.Infof(component, "scalable rebuild recovered dataset %d (checkpoint %d)", best, s.currentCkptID)
		return nil
	}

	if !s.cfg.GetBool("SCR_FETCH") {
		return nil
	}
	engine, _ := s.redundancyEngine()

	targetName := s.prefixIdx.Current
	if targetName == "" {
		targetName, ok = s.prefixIdx.MostRecentComplete()
	}
	cacheDir := s.CacheDir
	if ok {
		if rec, found := s.prefixIdx.Get(targetName); found {
			cacheDir = s.datasetCacheDir(rec.DatasetID)
		}
	}

	req := fetch.Request{
		PrefixDir:  s.PrefixDir,
		CacheDir:   cacheDir,
		WorldRank:  s.world.Rank(),
		Group:      s.redDesc.Group.Subgroup,
		Scheme:     engine,
		SchemeName: s.redDesc.Scheme.String(),
		GroupName:  s.redDesc.Group.Name,
		Bypass:     s.cfg.GetBool("SCR_CACHE_BYPASS"),
	}
	res, ok := fetch.Latest(ctx, s.prefixIdx, s.ci, s.mv, req)
	if !ok {
		return fmt.Errorf("no usable checkpoint found")
	}
	s.currentCkptID = res.Dataset.CheckpointID
	if err := res.Map.Write(s.filemapPath(res.Dataset.ID)); err != nil {
		return fmt.Errorf("scr: persist fetched filemap: %w", err)
	}
	scrlog.Infof(component, "fetched dataset %q (checkpoint %d) from prefix", res.Name, s.currentCkptID)
	return nil
}

// Finalize completes any in-flight async flush and persists the cache index
// and prefix index (spec.md §4.1 "finalize -> Uninit", §6). It starts no
// new flush, so a checkpoint that was never flushed stays in cache only,
// and the descriptors are left as built.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireState("finalize", StateIdle)

	if err := s.pollAsyncFlush(ctx); err != nil {
		scrlog.Errorf(component, "finalize: completing async flush: %v", err)
	}

	if err := s.ci.WriteTo(s.ciPath()); err != nil {
		scrlog.Errorf(component, "finalize: write cache index: %v", err)
	}
	if err := s.prefixIdx.WriteLocked(s.prefixIndexPath()); err != nil {
		scrlog.Errorf(component, "finalize: write prefix index: %v", err)
	}

	s.state = StateUninit
	return nil
}
