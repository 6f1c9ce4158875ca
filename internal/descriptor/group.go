// Package descriptor implements the group, store, and redundancy
// descriptors of spec.md §3/§4.4: the partitioning of processes into
// failure/locality groups, the naming of storage tiers, and the binding of
// a redundancy scheme to a store and group.
package descriptor

import (
	"context"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/ranker"
)

// Group is a named equivalence class of processes sharing a failure or
// locality property (spec.md §3). Subgroup is the communicator over just
// this group's members; Cross is the communicator across groups, joining
// every rank that shares the same group-local index with this rank (used
// for operations that need "one representative per group", e.g. electing a
// leader across nodes).
type Group struct {
	Name      string
	Attribute string
	WorldRank int
	Members   []int // world ranks in this group, ascending
	Subgroup  comm.Comm
	Cross     comm.Comm
}

// BuildGroup partitions world into groups by the per-rank attribute string
// (e.g. hostname for the default NODE group), exactly as spec.md §4.4
// describes: "constructed by hashing a per-process attribute string... and
// forming a subgroup over all ranks with identical string, plus an
// across-group communicator." Every rank must call BuildGroup collectively
// over world with its own attribute and the same name.
func BuildGroup(ctx context.Context, name string, world comm.Comm, attribute string) (*Group, error) {
	gathered, err := world.AllGather(ctx, []byte(attribute))
	if err != nil {
		return nil, err
	}
	attrs := make([]string, len(gathered))
	for i, b := range gathered {
		attrs[i] = string(b)
	}

	self := world.Rank()
	_, groupLocalRank, _ := ranker.GroupID(attrs)

	var members []int
	for r, a := range attrs {
		if a == attribute {
			members = append(members, r)
		}
	}

	var crossMembers []int
	myLocalRank := groupLocalRank[self]
	for r := range attrs {
		if groupLocalRank[r] == myLocalRank {
			crossMembers = append(crossMembers, r)
		}
	}

	return &Group{
		Name:      name,
		Attribute: attribute,
		WorldRank: self,
		Members:   members,
		Subgroup:  world.Sub(members),
		Cross:     world.Sub(crossMembers),
	}, nil
}
