package redundancy

import (
	"context"

	"github.com/scr-project/scr/internal/comm"
)

// singleEngine implements SCR_COPY_SINGLE: no redundant copy is made, so a
// lost cache file is unrecoverable by this scheme (spec.md §4.5 "SINGLE
// trades resilience for zero redundancy overhead").
type singleEngine struct{}

func (s *singleEngine) Apply(ctx context.Context, group comm.Comm, data []byte) ([]byte, error) {
	return nil, nil
}

func (s *singleEngine) Recover(ctx context.Context, group comm.Comm, hasOwnData bool, ownData []byte, storedRedundant []byte) ([]byte, bool, error) {
	if hasOwnData {
		return ownData, true, nil
	}
	return nil, false, nil
}
