package redundancy

import (
	"context"
	"fmt"

	"github.com/scr-project/scr/internal/comm"
)

// partnerEngine implements SCR_COPY_PARTNER of spec.md §4.5: every rank
// exchanges its data with a neighbor in the group, so each rank ends up
// storing a redundant copy of its left-hand partner's data (grounded on
// scr_reddesc_apply_partner's lhs/rhs partner naming).
type partnerEngine struct{}

func (p *partnerEngine) Apply(ctx context.Context, group comm.Comm, data []byte) ([]byte, error) {
	n := group.Size()
	if n < 2 {
		return nil, fmt.Errorf("redundancy: partner scheme requires a group of at least 2, got %d", n)
	}
	self := group.Rank()
	rhs := (self + 1) % n
	lhs := (self - 1 + n) % n

	// Send our data to rhs, receive our lhs partner's data in exchange;
	// what we receive is the redundant copy we persist.
	copyOfLHS, err := group.SendRecv(ctx, rhs, data, lhs)
	if err != nil {
		return nil, fmt.Errorf("redundancy: partner apply: %w", err)
	}
	return copyOfLHS, nil
}

func (p *partnerEngine) Recover(ctx context.Context, group comm.Comm, hasOwnData bool, ownData []byte, storedRedundant []byte) ([]byte, bool, error) {
	n := group.Size()
	if n < 2 {
		return nil, false, fmt.Errorf("redundancy: partner scheme requires a group of at least 2, got %d", n)
	}
	self := group.Rank()
	rhs := (self + 1) % n
	lhs := (self - 1 + n) % n

	// Send the copy we're holding (of our lhs partner's data) to lhs, and
	// receive from rhs the copy they're holding (of our own data).
	recoveredFromRHS, err := group.SendRecv(ctx, lhs, storedRedundant, rhs)
	if err != nil {
		return nil, false, fmt.Errorf("redundancy: partner recover: %w", err)
	}
	if hasOwnData {
		return ownData, true, nil
	}
	if recoveredFromRHS == nil {
		return nil, false, nil
	}
	return recoveredFromRHS, true, nil
}
