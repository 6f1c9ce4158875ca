// Package redundancy implements the four encoding schemes of spec.md §4.5:
// SINGLE (no redundancy), PARTNER (pairwise copy), XOR(k,1) (group parity),
// and Reed-Solomon(k,m). Each scheme is realized as an Engine that computes
// the redundant material a rank must persist alongside its own data, and
// that can later reconstruct the data from whatever survives in its group.
package redundancy

import (
	"context"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/descriptor"
)

// Engine is the per-scheme encode/decode contract. Every method is
// collective: every rank in group must call it together, in the same
// order, the same number of times, exactly as a group communicator
// requires (spec.md §4.5 "collective apply/recover").
type Engine interface {
	// Apply computes the redundant material this rank should persist for
	// its own data, collaborating with the rest of group as the scheme
	// requires.
	Apply(ctx context.Context, group comm.Comm, data []byte) ([]byte, error)

	// Recover reconstructs this rank's data. ownData/hasOwnData is what
	// this rank found in its own cache; storedRedundant is the material a
	// prior Apply call produced and this rank persisted. The returned
	// bool is false only when the scheme cannot recover this rank's data
	// from what the group collectively holds.
	Recover(ctx context.Context, group comm.Comm, hasOwnData bool, ownData []byte, storedRedundant []byte) ([]byte, bool, error)
}

// New returns the Engine implementing scheme, or ok=false for an unknown
// scheme.
func New(scheme descriptor.Scheme, setSize, failures int) (Engine, bool) {
	switch scheme {
	case descriptor.SchemeSingle:
		return &singleEngine{}, true
	case descriptor.SchemePartner:
		return &partnerEngine{}, true
	case descriptor.SchemeXOR:
		return &xorEngine{}, true
	case descriptor.SchemeRS:
		return newRSEngine(setSize, failures), true
	default:
		return nil, false
	}
}
