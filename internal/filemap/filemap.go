// Package filemap implements the per-dataset, per-process filemap of
// spec.md §3/§4.3: the set of file entries this process owns for a dataset,
// plus the dataset descriptor, persisted in the control directory so it
// survives the SCR runtime within a job.
package filemap

import (
	"fmt"
	"os"
	"time"

	"github.com/scr-project/scr/internal/kv"
)

// FileType distinguishes a user file from a redundancy-shard file
// (spec.md §3 "File entry").
type FileType int

const (
	FileTypeUser FileType = iota
	FileTypeShard
)

// FileEntry is one file entry of spec.md §3: cache path, prefix-directory
// origin, size, optional CRC32, completeness, type, and an optional POSIX
// metadata snapshot used for tamper detection.
type FileEntry struct {
	CachePath  string
	OriginPath string
	Size       int64
	HasCRC32   bool
	CRC32      uint32
	Complete   bool
	Type       FileType

	HasMode bool
	Mode    os.FileMode
	UID     int
	GID     int

	HasMTime bool
	MTime    time.Time
	HasCTime bool
	CTime    time.Time
}

// DatasetDescriptor is the minimal dataset metadata a filemap carries
// alongside its file entries (spec.md §3 "Dataset"). The authoritative
// dataset record lives in package scr; this is the subset needed to
// reconstruct a dataset purely from a filemap during scalable restart
// (spec.md §3 "Lifecycle").
type DatasetDescriptor struct {
	ID           int
	Name         string
	Flags        int // bitmask: FlagCheckpoint | FlagOutput
	CreatedUnix  int64
	User         string
	JobID        string
	CheckpointID int
	Complete     bool
}

const (
	FlagCheckpoint = 1 << 0
	FlagOutput     = 1 << 1
)

// Map is one process's filemap for one dataset.
type Map struct {
	Dataset DatasetDescriptor
	Files   map[string]*FileEntry // keyed by CachePath
	order   []string              // insertion order, for deterministic iteration
}

// New returns an empty filemap for the given dataset descriptor.
func New(ds DatasetDescriptor) *Map {
	return &Map{Dataset: ds, Files: make(map[string]*FileEntry)}
}

// AddFile registers (or replaces) a file entry under its cache path.
func (m *Map) AddFile(entry *FileEntry) {
	if _, exists := m.Files[entry.CachePath]; !exists {
		m.order = append(m.order, entry.CachePath)
	}
	m.Files[entry.CachePath] = entry
}

// RemoveFile deletes a file entry by cache path.
func (m *Map) RemoveFile(cachePath string) {
	if _, ok := m.Files[cachePath]; !ok {
		return
	}
	delete(m.Files, cachePath)
	for i, p := range m.order {
		if p == cachePath {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// GetMeta returns the file entry for cachePath, or ok=false.
func (m *Map) GetMeta(cachePath string) (*FileEntry, bool) {
	e, ok := m.Files[cachePath]
	return e, ok
}

// SetMeta replaces the file entry for cachePath (must already be added).
func (m *Map) SetMeta(cachePath string, entry *FileEntry) {
	if _, ok := m.Files[cachePath]; ok {
		m.Files[cachePath] = entry
	}
}

// ListFiles returns cache paths in first-added order (spec.md §4.3
// "first_file / next_file iteration").
func (m *Map) ListFiles() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// UserFiles returns only the entries of type FileTypeUser, in order.
func (m *Map) UserFiles() []*FileEntry {
	var out []*FileEntry
	for _, p := range m.order {
		if e := m.Files[p]; e != nil && e.Type == FileTypeUser {
			out = append(out, e)
		}
	}
	return out
}

// TotalBytes sums the recorded size of every user file entry, used to
// populate the dataset descriptor's total byte count (spec.md §3) and to
// check the flushed-dataset invariant of spec.md §8.
func (m *Map) TotalBytes() int64 {
	var total int64
	for _, e := range m.UserFiles() {
		total += e.Size
	}
	return total
}

// AllComplete reports whether every user file entry is marked complete
// (spec.md §3 invariant 4).
func (m *Map) AllComplete() bool {
	for _, e := range m.UserFiles() {
		if !e.Complete {
			return false
		}
	}
	return true
}

func datasetToValue(ds DatasetDescriptor) *kv.Value {
	v := kv.NewMap()
	v.Set("id", kv.Int(int64(ds.ID)))
	v.Set("name", kv.String(ds.Name))
	v.Set("flags", kv.Int(int64(ds.Flags)))
	v.Set("created", kv.Int(ds.CreatedUnix))
	v.Set("user", kv.String(ds.User))
	v.Set("jobid", kv.String(ds.JobID))
	v.Set("checkpoint_id", kv.Int(int64(ds.CheckpointID)))
	v.Set("complete", boolValue(ds.Complete))
	return v
}

func datasetFromValue(v *kv.Value) DatasetDescriptor {
	var ds DatasetDescriptor
	if id, ok := v.GetInt("id"); ok {
		ds.ID = int(id)
	}
	ds.Name, _ = v.GetString("name")
	if f, ok := v.GetInt("flags"); ok {
		ds.Flags = int(f)
	}
	if c, ok := v.GetInt("created"); ok {
		ds.CreatedUnix = c
	}
	ds.User, _ = v.GetString("user")
	ds.JobID, _ = v.GetString("jobid")
	if cid, ok := v.GetInt("checkpoint_id"); ok {
		ds.CheckpointID = int(cid)
	}
	ds.Complete = boolFromValue(v, "complete")
	return ds
}

func entryToValue(e *FileEntry) *kv.Value {
	v := kv.NewMap()
	v.Set("cache_path", kv.String(e.CachePath))
	v.Set("origin_path", kv.String(e.OriginPath))
	v.Set("size", kv.Int(e.Size))
	v.Set("type", kv.Int(int64(e.Type)))
	v.Set("complete", boolValue(e.Complete))
	if e.HasCRC32 {
		v.Set("crc32", kv.Int(int64(e.CRC32)))
	}
	if e.HasMode {
		v.Set("mode", kv.Int(int64(e.Mode)))
		v.Set("uid", kv.Int(int64(e.UID)))
		v.Set("gid", kv.Int(int64(e.GID)))
	}
	if e.HasMTime {
		v.Set("mtime", kv.Int(e.MTime.Unix()))
	}
	if e.HasCTime {
		v.Set("ctime", kv.Int(e.CTime.Unix()))
	}
	return v
}

func entryFromValue(v *kv.Value) *FileEntry {
	e := &FileEntry{}
	e.CachePath, _ = v.GetString("cache_path")
	e.OriginPath, _ = v.GetString("origin_path")
	if s, ok := v.GetInt("size"); ok {
		e.Size = s
	}
	if ty, ok := v.GetInt("type"); ok {
		e.Type = FileType(ty)
	}
	e.Complete = boolFromValue(v, "complete")
	if crc, ok := v.GetInt("crc32"); ok {
		e.HasCRC32 = true
		e.CRC32 = uint32(crc)
	}
	if mode, ok := v.GetInt("mode"); ok {
		e.HasMode = true
		e.Mode = os.FileMode(mode)
		if uid, ok := v.GetInt("uid"); ok {
			e.UID = int(uid)
		}
		if gid, ok := v.GetInt("gid"); ok {
			e.GID = int(gid)
		}
	}
	if mt, ok := v.GetInt("mtime"); ok {
		e.HasMTime = true
		e.MTime = time.Unix(mt, 0)
	}
	if ct, ok := v.GetInt("ctime"); ok {
		e.HasCTime = true
		e.CTime = time.Unix(ct, 0)
	}
	return e
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

// ToValue serializes the filemap to its canonical key/value tree.
func (m *Map) ToValue() *kv.Value {
	root := kv.NewMap()
	root.Set("dataset", datasetToValue(m.Dataset))
	files := kv.NewList()
	for _, p := range m.order {
		files.Append(entryToValue(m.Files[p]))
	}
	root.Set("files", files)
	return root
}

// FromValue reconstructs a filemap from its canonical key/value tree.
func FromValue(v *kv.Value) (*Map, error) {
	dsVal, ok := v.Get("dataset")
	if !ok {
		return nil, fmt.Errorf("filemap: missing dataset descriptor")
	}
	m := New(datasetFromValue(dsVal))
	filesVal, ok := v.Get("files")
	if ok {
		for _, fv := range filesVal.List {
			m.AddFile(entryFromValue(fv))
		}
	}
	return m, nil
}

// Write persists the filemap to path (spec.md §4.3 "write(path)"). Package
// scr keeps these files in its control directory and rewrites them after
// every mutation that alters durable state.
func (m *Map) Write(path string) error {
	return kv.WriteFile(path, m.ToValue())
}

// Read loads a filemap from path (spec.md §4.3 "read(path)").
func Read(path string) (*Map, error) {
	v, err := kv.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromValue(v)
}
