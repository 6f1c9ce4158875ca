package flush

import (
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/kv"
)

// Summary is the dataset summary of spec.md §6:
// `<prefix>/.scr/scr.dataset.<id>/summary.scr`, recording the dataset
// descriptor and a rank-to-file mapping so fetch can reconstruct which
// process owned which files without rescanning the prefix directory.
type Summary struct {
	Dataset  filemap.DatasetDescriptor
	RankFile map[int][]string // world rank -> destination paths under the prefix
}

// NewSummary returns an empty summary for ds.
func NewSummary(ds filemap.DatasetDescriptor) *Summary {
	return &Summary{Dataset: ds, RankFile: make(map[int][]string)}
}

// AddRankFiles records the destination paths rank contributed.
func (s *Summary) AddRankFiles(rank int, paths []string) {
	s.RankFile[rank] = append(s.RankFile[rank], paths...)
}

func (s *Summary) ToValue() *kv.Value {
	root := kv.NewMap()
	root.Set("id", kv.Int(int64(s.Dataset.ID)))
	root.Set("name", kv.String(s.Dataset.Name))
	root.Set("flags", kv.Int(int64(s.Dataset.Flags)))
	root.Set("checkpoint_id", kv.Int(int64(s.Dataset.CheckpointID)))

	ranks := kv.NewMap()
	for rank, paths := range s.RankFile {
		list := kv.NewList()
		for _, p := range paths {
			list.Append(kv.String(p))
		}
		ranks.Set(itoa(rank), list)
	}
	root.Set("ranks", ranks)
	return root
}

// FromValue reconstructs a Summary from its canonical key/value tree.
func FromValue(v *kv.Value) *Summary {
	ds := filemap.DatasetDescriptor{}
	if id, ok := v.GetInt("id"); ok {
		ds.ID = int(id)
	}
	ds.Name, _ = v.GetString("name")
	if fl, ok := v.GetInt("flags"); ok {
		ds.Flags = int(fl)
	}
	if cid, ok := v.GetInt("checkpoint_id"); ok {
		ds.CheckpointID = int(cid)
	}
	s := NewSummary(ds)
	if ranks, ok := v.Get("ranks"); ok {
		for _, k := range ranks.Keys() {
			rank, ok := atoi(k)
			if !ok {
				continue
			}
			list, ok := ranks.Get(k)
			if !ok {
				continue
			}
			for _, item := range list.List {
				if p, ok := item.AsString(); ok {
					s.RankFile[rank] = append(s.RankFile[rank], p)
				}
			}
		}
	}
	return s
}

// WriteTo persists the summary to path.
func (s *Summary) WriteTo(path string) error {
	return kv.WriteFile(path, s.ToValue())
}

// ReadSummary loads a summary from path.
func ReadSummary(path string) (*Summary, error) {
	v, err := kv.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromValue(v), nil
}
