// Package ranker implements the name-ranking/collective-sort primitive that
// spec.md treats as an external collaborator (§6: "Ranker") and design
// notes §9 describe as an interface: elect_one_per_equal_string(strings) ->
// you-are-leader flags. SCR uses it in two places: electing one leader per
// unique destination directory during flush (spec.md §4.6, to avoid
// concurrent mkdir storms) and partitioning processes into node groups at
// init by hostname (spec.md §4.4).
package ranker

import "sort"

// ElectLeaders returns, for each input string (one per rank, same index
// ordering as the caller's rank), whether that rank is the leader for its
// string: the lowest-ranked occurrence of each distinct value.
func ElectLeaders(strings []string) []bool {
	firstSeen := make(map[string]int, len(strings))
	leaders := make([]bool, len(strings))
	for rank, s := range strings {
		if _, ok := firstSeen[s]; !ok {
			firstSeen[s] = rank
			leaders[rank] = true
		}
	}
	return leaders
}

// GroupID assigns each distinct string a stable, deterministic integer id
// (ordered by first appearance among the sorted distinct set, so every
// rank that runs GroupID over the same collected string set gets the same
// ids without further communication) and returns, per rank, that rank's
// group id, group-local rank, and group size — the
// (group_id, group_rank, group_size) triple spec.md §6 calls for.
func GroupID(strings []string) (groupID, groupRank, groupSize []int) {
	n := len(strings)
	groupID = make([]int, n)
	groupRank = make([]int, n)
	groupSize = make([]int, n)

	distinct := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for _, s := range strings {
		if !seen[s] {
			seen[s] = true
			distinct = append(distinct, s)
		}
	}
	sort.Strings(distinct)
	idOf := make(map[string]int, len(distinct))
	for i, s := range distinct {
		idOf[s] = i
	}

	counters := make(map[string]int, len(distinct))
	sizes := make(map[string]int, len(distinct))
	for _, s := range strings {
		sizes[s]++
	}
	for rank, s := range strings {
		groupID[rank] = idOf[s]
		groupRank[rank] = counters[s]
		counters[s]++
		groupSize[rank] = sizes[s]
	}
	return groupID, groupRank, groupSize
}
