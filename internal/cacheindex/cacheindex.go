// Package cacheindex implements the cache index of spec.md §4.2: the
// ordered, per-process record of which datasets currently occupy a cache
// directory, used to pick eviction victims and to recall a dataset's
// descriptor without rescanning the filesystem.
package cacheindex

import (
	"os"
	"sort"
	"strconv"

	"github.com/scr-project/scr/internal/kv"
)

// Entry is the per-dataset record spec.md §4.2 keeps in the cache index:
// the dataset name and checkpoint id (for ordering), plus an opaque blob of
// descriptor fields the caller wants recalled verbatim.
type Entry struct {
	DatasetID    int
	Name         string
	CheckpointID int
	Fields       map[string]string
}

// Index is a process's cache index: one Entry per resident dataset id.
type Index struct {
	entries map[int]*Entry
}

// New returns an empty cache index.
func New() *Index {
	return &Index{entries: make(map[int]*Entry)}
}

// Set records or replaces the entry for datasetID (spec.md §4.2 "set").
func (idx *Index) Set(datasetID int, e *Entry) {
	e.DatasetID = datasetID
	idx.entries[datasetID] = e
}

// Get returns the entry for datasetID (spec.md §4.2 "get").
func (idx *Index) Get(datasetID int) (*Entry, bool) {
	e, ok := idx.entries[datasetID]
	return e, ok
}

// Unset removes the entry for datasetID (spec.md §4.2 "unset").
func (idx *Index) Unset(datasetID int) {
	delete(idx.entries, datasetID)
}

// ListOrdered returns all resident dataset ids in ascending order (spec.md
// §4.2 "list_ordered"), the order the eviction policy walks when a new
// checkpoint must evict the oldest resident to respect a store's MaxCount.
func (idx *Index) ListOrdered() []int {
	ids := make([]int, 0, len(idx.entries))
	for id := range idx.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Latest returns the highest dataset id currently resident, or ok=false if
// the index is empty (spec.md §4.2 "latest").
func (idx *Index) Latest() (int, bool) {
	ids := idx.ListOrdered()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[len(ids)-1], true
}

// Len reports how many datasets are currently resident.
func (idx *Index) Len() int {
	return len(idx.entries)
}

func entryToValue(e *Entry) *kv.Value {
	v := kv.NewMap()
	v.Set("name", kv.String(e.Name))
	v.Set("checkpoint_id", kv.Int(int64(e.CheckpointID)))
	fields := kv.NewMap()
	for k, val := range e.Fields {
		fields.Set(k, kv.String(val))
	}
	v.Set("fields", fields)
	return v
}

func entryFromValue(datasetID int, v *kv.Value) *Entry {
	e := &Entry{DatasetID: datasetID, Fields: make(map[string]string)}
	e.Name, _ = v.GetString("name")
	if cid, ok := v.GetInt("checkpoint_id"); ok {
		e.CheckpointID = int(cid)
	}
	if fv, ok := v.Get("fields"); ok {
		for _, k := range fv.Keys() {
			if s, ok := fv.GetString(k); ok {
				e.Fields[k] = s
			}
		}
	}
	return e
}

// ToValue serializes the index to its canonical key/value tree, keyed by
// the string form of the dataset id (spec.md's tree keys are strings).
func (idx *Index) ToValue() *kv.Value {
	root := kv.NewMap()
	for id, e := range idx.entries {
		root.Set(strconv.Itoa(id), entryToValue(e))
	}
	return root
}

// FromValue reconstructs an index from its canonical key/value tree.
func FromValue(v *kv.Value) *Index {
	idx := New()
	for _, k := range v.Keys() {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		child, ok := v.Get(k)
		if !ok {
			continue
		}
		idx.entries[id] = entryFromValue(id, child)
	}
	return idx
}

// WriteTo persists the index to path (spec.md §4.2 "write_to(path)").
func (idx *Index) WriteTo(path string) error {
	return kv.WriteFile(path, idx.ToValue())
}

// ReadFrom loads an index from path (spec.md §4.2 "read_from(path)"). A
// missing file is not an error: it yields an empty index, matching a
// process encountering cache storage for the first time.
func ReadFrom(path string) (*Index, error) {
	v, err := kv.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	return FromValue(v), nil
}
