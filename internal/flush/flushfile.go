// Package flush implements the synchronous and asynchronous flush
// subsystem of spec.md §4.6: copying a dataset's cache files out to the
// prefix directory and writing its summary, plus the flush-file record
// type. Package scr updates the prefix index and the flush file and
// enforces the checkpoint retention window after a flush succeeds.
package flush

import (
	"github.com/scr-project/scr/internal/kv"
)

// LocationTag is where a dataset's files currently live, recorded per
// dataset id in the flush file (spec.md §4.6 "Flush file").
type LocationTag string

const (
	LocationCache    LocationTag = "CACHE"
	LocationPFS      LocationTag = "PFS"
	LocationFlushing LocationTag = "FLUSHING"
)

// File is the in-memory form of `<prefix>/.scr/flush.scr`: a per-job
// record of every dataset's current location, consulted by scavenger
// tooling outside this library's core (the core here only writes it).
type File struct {
	Locations map[int]LocationTag
}

// NewFile returns an empty flush file.
func NewFile() *File {
	return &File{Locations: make(map[int]LocationTag)}
}

// Set records datasetID's current location.
func (f *File) Set(datasetID int, loc LocationTag) {
	f.Locations[datasetID] = loc
}

// Get returns datasetID's recorded location.
func (f *File) Get(datasetID int) (LocationTag, bool) {
	loc, ok := f.Locations[datasetID]
	return loc, ok
}

func (f *File) ToValue() *kv.Value {
	root := kv.NewMap()
	for id, loc := range f.Locations {
		root.Set(itoa(id), kv.String(string(loc)))
	}
	return root
}

func fileFromValue(v *kv.Value) *File {
	f := NewFile()
	for _, k := range v.Keys() {
		id, ok := atoi(k)
		if !ok {
			continue
		}
		if s, ok := v.GetString(k); ok {
			f.Locations[id] = LocationTag(s)
		}
	}
	return f
}

// WriteTo persists the flush file to path.
func (f *File) WriteTo(path string) error {
	return kv.WriteFile(path, f.ToValue())
}

// ReadFrom loads a flush file from path, yielding an empty file if path
// has never been written.
func ReadFrom(path string) (*File, error) {
	v, err := kv.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			return NewFile(), nil
		}
		return nil, err
	}
	return fileFromValue(v), nil
}
