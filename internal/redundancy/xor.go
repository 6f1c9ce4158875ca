package redundancy

import (
	"context"
	"fmt"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/erasure"
)

// xorEngine implements SCR_COPY_XOR of spec.md §4.5, tolerating exactly
// one lost member: every member's whole data is gathered in one AllGather
// and XORed as a single buffer on every rank, so each rank stores the same
// full-length parity. The transfer is neither pipelined nor windowed; every
// rank holds all members' data in memory at once. Members' data may
// differ in length; shorter chunks are zero-padded to the group's maximum
// before XORing (zero is the identity element, so this never corrupts the
// result), and callers trim a reconstructed chunk back to its recorded
// file size.
type xorEngine struct{}

func (x *xorEngine) Apply(ctx context.Context, group comm.Comm, data []byte) ([]byte, error) {
	n := group.Size()
	if n < 2 {
		return nil, fmt.Errorf("redundancy: xor scheme requires a group of at least 2, got %d", n)
	}
	padded, err := padAllGather(ctx, group, data)
	if err != nil {
		return nil, fmt.Errorf("redundancy: xor apply: %w", err)
	}
	coder := erasure.NewXOR(n)
	parity, err := coder.Encode(padded)
	if err != nil {
		return nil, fmt.Errorf("redundancy: xor apply: %w", err)
	}
	return parity[0], nil
}

func (x *xorEngine) Recover(ctx context.Context, group comm.Comm, hasOwnData bool, ownData []byte, storedRedundant []byte) ([]byte, bool, error) {
	n := group.Size()
	self := group.Rank()

	presence, err := group.AllGather(ctx, encodePresent(hasOwnData, ownData))
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: xor recover: %w", err)
	}
	parities, err := group.AllGather(ctx, storedRedundant)
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: xor recover: %w", err)
	}

	var parity []byte
	for _, p := range parities {
		if len(p) > 0 {
			parity = p
			break
		}
	}
	if parity == nil {
		return nil, false, fmt.Errorf("redundancy: xor recover: no surviving parity in group")
	}

	maxLen := len(parity)
	present := make([][]byte, n+1)
	for i, g := range presence {
		ok, d := decodePresent(g)
		if !ok {
			continue
		}
		buf := make([]byte, maxLen)
		copy(buf, d)
		present[i] = buf
	}
	present[n] = parity

	coder := erasure.NewXOR(n)
	all, err := coder.Decode(present)
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: xor recover: %w", err)
	}

	if hasOwnData {
		return ownData, true, nil
	}
	return all[self], true, nil
}

// padAllGather gathers data from every rank in group and zero-pads each
// result to the group's maximum length.
func padAllGather(ctx context.Context, group comm.Comm, data []byte) ([][]byte, error) {
	gathered, err := group.AllGather(ctx, data)
	if err != nil {
		return nil, err
	}
	maxLen := 0
	for _, g := range gathered {
		if len(g) > maxLen {
			maxLen = len(g)
		}
	}
	out := make([][]byte, len(gathered))
	for i, g := range gathered {
		buf := make([]byte, maxLen)
		copy(buf, g)
		out[i] = buf
	}
	return out, nil
}

// encodePresent/decodePresent let AllGather carry an "I have no data"
// marker alongside the payload, since an absent cache file can't
// otherwise be distinguished from a legitimately empty one.
func encodePresent(present bool, data []byte) []byte {
	if !present {
		return []byte{0}
	}
	out := make([]byte, 1+len(data))
	out[0] = 1
	copy(out[1:], data)
	return out
}

func decodePresent(b []byte) (bool, []byte) {
	if len(b) == 0 || b[0] == 0 {
		return false, nil
	}
	return true, b[1:]
}
