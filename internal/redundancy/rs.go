package redundancy

import (
	"context"
	"fmt"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/erasure"
)

// rsEngine implements spec.md §4.5's Reed-Solomon(k,m) scheme: the group
// has k+m members, the first k holding the original data shards (their own
// cache file is the shard) and the remaining m holding only a parity shard
// computed from the k data shards, tolerating up to m simultaneous losses.
type rsEngine struct {
	k, m int
}

func newRSEngine(k, m int) *rsEngine {
	return &rsEngine{k: k, m: m}
}

func (r *rsEngine) Apply(ctx context.Context, group comm.Comm, data []byte) ([]byte, error) {
	n := group.Size()
	if n != r.k+r.m {
		return nil, fmt.Errorf("redundancy: rs(%d,%d) requires a group of size %d, got %d", r.k, r.m, r.k+r.m, n)
	}
	self := group.Rank()
	padded, err := padAllGather(ctx, group, data)
	if err != nil {
		return nil, fmt.Errorf("redundancy: rs apply: %w", err)
	}
	if self < r.k {
		// Data-shard ranks keep no extra redundant material: their own
		// cache file already is their shard.
		return nil, nil
	}
	coder, err := erasure.NewReedSolomon(r.k, r.m)
	if err != nil {
		return nil, fmt.Errorf("redundancy: rs apply: %w", err)
	}
	parity, err := coder.Encode(padded[:r.k])
	if err != nil {
		return nil, fmt.Errorf("redundancy: rs apply: %w", err)
	}
	return parity[self-r.k], nil
}

func (r *rsEngine) Recover(ctx context.Context, group comm.Comm, hasOwnData bool, ownData []byte, storedRedundant []byte) ([]byte, bool, error) {
	n := group.Size()
	self := group.Rank()
	if n != r.k+r.m {
		return nil, false, fmt.Errorf("redundancy: rs(%d,%d) requires a group of size %d, got %d", r.k, r.m, r.k+r.m, n)
	}

	presence, err := group.AllGather(ctx, encodePresent(hasOwnData, ownData))
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: rs recover: %w", err)
	}
	parities, err := group.AllGather(ctx, storedRedundant)
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: rs recover: %w", err)
	}

	maxLen := 0
	for _, p := range presence {
		if ok, d := decodePresent(p); ok && len(d) > maxLen {
			maxLen = len(d)
		}
	}
	for _, p := range parities {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}

	shards := make([][]byte, n)
	for i := 0; i < r.k; i++ {
		ok, d := decodePresent(presence[i])
		if !ok {
			continue
		}
		buf := make([]byte, maxLen)
		copy(buf, d)
		shards[i] = buf
	}
	for i := r.k; i < n; i++ {
		if len(parities[i]) == 0 {
			continue
		}
		buf := make([]byte, maxLen)
		copy(buf, parities[i])
		shards[i] = buf
	}

	coder, err := erasure.NewReedSolomon(r.k, r.m)
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: rs recover: %w", err)
	}
	all, err := coder.Decode(shards)
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: rs recover: %w", err)
	}

	if hasOwnData {
		return ownData, true, nil
	}
	if self >= r.k {
		return nil, false, fmt.Errorf("redundancy: rs recover: rank %d holds a parity shard, not original data", self)
	}
	return all[self], true, nil
}
