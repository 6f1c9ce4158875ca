// Package prefixindex implements the durable dataset index of spec.md
// §4.7/§6: the `<prefix>/.scr/index.scrinfo` record of every dataset ever
// flushed to the prefix directory, keyed by name, with a `current` pointer
// and a per-dataset failed/complete flag. Writers take the advisory lock
// of spec.md §5 so concurrent jobs sharing a prefix never interleave
// updates.
package prefixindex

import (
	"os"
	"sort"

	"github.com/scr-project/scr/internal/kv"
	"github.com/scr-project/scr/internal/lockfile"
)

// Record is one dataset's entry in the prefix index.
type Record struct {
	Name         string
	DatasetID    int
	CheckpointID int
	Flags        int // filemap.FlagCheckpoint | filemap.FlagOutput, recorded verbatim for retention decisions
	Complete     bool
	Failed       bool
}

// Index is the in-memory form of index.scrinfo.
type Index struct {
	Current string
	records map[string]*Record
}

// New returns an empty index.
func New() *Index {
	return &Index{records: make(map[string]*Record)}
}

// Set records or replaces the entry for name.
func (idx *Index) Set(r *Record) {
	idx.records[r.Name] = r
}

// Get returns the record for name.
func (idx *Index) Get(name string) (*Record, bool) {
	r, ok := idx.records[name]
	return r, ok
}

// Drop removes name from the index only (spec.md §6 "drop(name)": prefix
// index removal without touching prefix storage).
func (idx *Index) Drop(name string) {
	delete(idx.records, name)
	if idx.Current == name {
		idx.Current = ""
	}
}

// MarkFailed flags name as failed, so fetch (spec.md §4.7) skips it and
// tries the next most recent complete checkpoint.
func (idx *Index) MarkFailed(name string) {
	if r, ok := idx.records[name]; ok {
		r.Failed = true
	}
}

// SetCurrent declares name the current checkpoint (spec.md §6 "current").
// If dropLater is true, every complete checkpoint with a higher
// CheckpointID than name's is dropped from the index.
func (idx *Index) SetCurrent(name string, dropLater bool) {
	idx.Current = name
	if !dropLater {
		return
	}
	cur, ok := idx.records[name]
	if !ok {
		return
	}
	for n, r := range idx.records {
		if n != name && r.CheckpointID > cur.CheckpointID {
			delete(idx.records, n)
		}
	}
}

// MostRecentComplete returns the name of the highest-CheckpointID record
// that is Complete and not Failed, or ok=false (spec.md §4.7 "fetch
// latest" / §4.8 "newest successfully rebuilt checkpoint").
func (idx *Index) MostRecentComplete() (string, bool) {
	names := idx.namesByCheckpointDesc()
	for _, n := range names {
		r := idx.records[n]
		if r.Complete && !r.Failed {
			return n, true
		}
	}
	return "", false
}

// NextOlderComplete returns the highest-CheckpointID complete, non-failed
// record strictly older than name's, used when complete_restart(false)
// (spec.md §4.1) must retry an older checkpoint.
func (idx *Index) NextOlderComplete(name string) (string, bool) {
	cur, ok := idx.records[name]
	if !ok {
		return "", false
	}
	names := idx.namesByCheckpointDesc()
	for _, n := range names {
		r := idx.records[n]
		if r.CheckpointID < cur.CheckpointID && r.Complete && !r.Failed {
			return n, true
		}
	}
	return "", false
}

// AllNames returns every dataset name currently recorded in the index, in
// no particular order (used by callers recovering the highest dataset and
// checkpoint ids seen across a job, spec.md §3 invariant 1).
func (idx *Index) AllNames() []string {
	names := make([]string, 0, len(idx.records))
	for n := range idx.records {
		names = append(names, n)
	}
	return names
}

func (idx *Index) namesByCheckpointDesc() []string {
	names := make([]string, 0, len(idx.records))
	for n := range idx.records {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return idx.records[names[i]].CheckpointID > idx.records[names[j]].CheckpointID
	})
	return names
}

func recordToValue(r *Record) *kv.Value {
	v := kv.NewMap()
	v.Set("dataset_id", kv.Int(int64(r.DatasetID)))
	v.Set("checkpoint_id", kv.Int(int64(r.CheckpointID)))
	v.Set("flags", kv.Int(int64(r.Flags)))
	v.Set("complete", boolValue(r.Complete))
	v.Set("failed", boolValue(r.Failed))
	return v
}

func recordFromValue(name string, v *kv.Value) *Record {
	r := &Record{Name: name}
	if id, ok := v.GetInt("dataset_id"); ok {
		r.DatasetID = int(id)
	}
	if cid, ok := v.GetInt("checkpoint_id"); ok {
		r.CheckpointID = int(cid)
	}
	if f, ok := v.GetInt("flags"); ok {
		r.Flags = int(f)
	}
	r.Complete = boolFromValue(v, "complete")
	r.Failed = boolFromValue(v, "failed")
	return r
}

func boolValue(b bool) *kv.Value {
	if b {
		return kv.Int(1)
	}
	return kv.Int(0)
}

func boolFromValue(v *kv.Value, key string) bool {
	n, ok := v.GetInt(key)
	return ok && n != 0
}

// ToValue serializes the index to its canonical key/value tree.
func (idx *Index) ToValue() *kv.Value {
	root := kv.NewMap()
	root.Set("current", kv.String(idx.Current))
	datasets := kv.NewMap()
	for name, r := range idx.records {
		datasets.Set(name, recordToValue(r))
	}
	root.Set("datasets", datasets)
	return root
}

// FromValue reconstructs an index from its canonical key/value tree.
func FromValue(v *kv.Value) *Index {
	idx := New()
	idx.Current, _ = v.GetString("current")
	if datasets, ok := v.Get("datasets"); ok {
		for _, name := range datasets.Keys() {
			if child, ok := datasets.Get(name); ok {
				idx.records[name] = recordFromValue(name, child)
			}
		}
	}
	return idx
}

// ReadLocked loads the index from path under the advisory lock of
// spec.md §5, returning an empty index if the file has never been
// written.
func ReadLocked(path string) (*Index, error) {
	var idx *Index
	err := lockfile.WithLock(path+".lock", func() error {
		v, err := kv.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				idx = New()
				return nil
			}
			return err
		}
		idx = FromValue(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// WriteLocked persists the index to path under the advisory lock.
func (idx *Index) WriteLocked(path string) error {
	return lockfile.WithLock(path+".lock", func() error {
		return kv.WriteFile(path, idx.ToValue())
	})
}
