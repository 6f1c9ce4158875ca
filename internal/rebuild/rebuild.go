// Package rebuild implements spec.md §4.8's scalable rebuild: at restart,
// redistribute what each rank's node-local cache already holds and invoke
// the redundancy engine's recover path per dataset, picking the newest
// checkpoint that rebuilds successfully everywhere.
//
// The cross-rank filemap exchange and file redistribution of spec.md
// §4.8 steps 1-3 (masters merging node-local filemaps, then transferring
// files so every originally-present rank's data lands on a currently live
// rank) apply when the process set has shrunk or been reseated onto
// different nodes between runs. This package implements that merge as an
// AllGather of dataset ids over the world communicator passed to Rebuild
// and invokes step 4
// (recover) and step 5 (pick newest) in full; it assumes, as the common
// case, that each rank's own node-local cache already holds what it held
// at last checkpoint, so the merge step establishes *which* datasets are
// present rather than moving bytes between nodes.
package rebuild

import (
	"context"
	"fmt"
	"sort"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/redundancy"
	"github.com/scr-project/scr/internal/scrlog"
)

// Dataset is one candidate dataset this rank's node-local cache has a
// filemap for, along with the group and engine its redundancy descriptor
// selected.
//
// Data and Redundant are optional overrides for callers (such as package
// scr) that persist a concrete byte-level encoding of "this rank's data"
// and "this rank's redundant material" on disk: setting DataChecked lets
// Recover use the caller's real on-disk HasData/Data instead of the
// path-string stand-in (Map.AllComplete()/flattenPaths(Map)) this package
// falls back to when DataChecked is false.
type Dataset struct {
	Map         *filemap.Map
	Group       comm.Comm
	Engine      redundancy.Engine
	DataChecked bool
	HasData     bool
	Data        []byte
	Redundant   []byte
}

// Outcome reports a rebuild attempt's per-dataset result. RecoveredData is
// this rank's reconstructed data bytes when Succeeded and the caller
// supplied a byte-level Dataset.Data/Redundant pair; it is nil when this
// rank already had its own data (nothing to reconstruct) or when the
// caller used the path-string fallback.
type Outcome struct {
	DatasetID     int
	Name          string
	Succeeded     bool
	RecoveredData []byte
}

// Rebuild merges what every rank in world knows about resident datasets
// (spec.md §4.8 steps 1-2), then attempts recover for each dataset id in
// ascending order (step 3-4), returning the newest one that rebuilt
// successfully everywhere (step 5).
func Rebuild(ctx context.Context, world comm.Comm, local map[int]Dataset) (current int, ok bool, outcomes []Outcome, err error) {
	ids, err := mergeDatasetIDs(ctx, world, local)
	if err != nil {
		return 0, false, nil, fmt.Errorf("rebuild: merge dataset ids: %w", err)
	}

	best := -1
	for _, id := range ids {
		ds, present := local[id]

		var hasData bool
		var data []byte
		var redundant []byte
		if present {
			if ds.DataChecked {
				hasData = ds.HasData
				data = ds.Data
			} else {
				hasData = ds.Map.AllComplete()
				data = flattenPaths(ds.Map)
			}
			redundant = ds.Redundant
		}

		if ds.Engine == nil || ds.Group == nil {
			// No rank in world actually holds this dataset's descriptor;
			// nothing to recover against.
			continue
		}

		recoveredBytes, recovered, rerr := ds.Engine.Recover(ctx, ds.Group, hasData, data, redundant)
		succeededLocally := recovered && rerr == nil
		allOK, aerr := ds.Group.AllreduceAnd(ctx, succeededLocally)
		if aerr != nil {
			return 0, false, nil, fmt.Errorf("rebuild: dataset %d allreduce: %w", id, aerr)
		}

		outcome := Outcome{DatasetID: id, Succeeded: allOK}
		if allOK && !hasData && ds.DataChecked {
			outcome.RecoveredData = recoveredBytes
		}
		outcomes = append(outcomes, outcome)
		if allOK {
			if id > best {
				best = id
			}
		} else {
			scrlog.Warnf("rebuild", "dataset %d failed to rebuild, evicting from cache", id)
		}
	}

	if best < 0 {
		return 0, false, outcomes, nil
	}
	return best, true, outcomes, nil
}

// mergeDatasetIDs gathers, across world, every dataset id any rank's
// node-local cache knows about, and returns the union in ascending order
// (spec.md §4.8 step 2: "masters exchange to discover which world ranks
// have data for which datasets").
func mergeDatasetIDs(ctx context.Context, world comm.Comm, local map[int]Dataset) ([]int, error) {
	mine := make([]int, 0, len(local))
	for id := range local {
		mine = append(mine, id)
	}
	sort.Ints(mine)

	encoded := encodeIDs(mine)
	gathered, err := world.AllGather(ctx, encoded)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	for _, blob := range gathered {
		for _, id := range decodeIDs(blob) {
			seen[id] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func flattenPaths(fm *filemap.Map) []byte {
	var out []byte
	for i, e := range fm.UserFiles() {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, e.CachePath...)
	}
	return out
}

func encodeIDs(ids []int) []byte {
	out := make([]byte, 4*len(ids))
	for i, id := range ids {
		out[4*i] = byte(id)
		out[4*i+1] = byte(id >> 8)
		out[4*i+2] = byte(id >> 16)
		out[4*i+3] = byte(id >> 24)
	}
	return out
}

func decodeIDs(b []byte) []int {
	var out []int
	for i := 0; i+4 <= len(b); i += 4 {
		id := int(b[i]) | int(b[i+1])<<8 | int(b[i+2])<<16 | int(b[i+3])<<24
		out = append(out, id)
	}
	return out
}
