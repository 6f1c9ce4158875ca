package scr

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/scr-project/scr/internal/comm"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newTestSession builds an uninitialized Session rooted under root, with
// per-rank control/cache directories and a prefix directory shared by every
// rank, and applies settings via Config before returning.
func newTestSession(t *testing.T, c comm.Comm, rank int, root string, settings ...string) *Session {
	t.Helper()
	s := New(c)
	s.CntlDir = filepath.Join(root, fmt.Sprintf("cntl.%d", rank))
	s.CacheDir = filepath.Join(root, fmt.Sprintf("cache.%d", rank))
	s.PrefixDir = filepath.Join(root, "prefix")
	s.JobID = "test-job"
	s.User = "tester"
	for _, setting := range settings {
		require.NoError(t, s.Config(setting))
	}
	return s
}

// runRanks calls fn once per rank in its own goroutine and waits for all to
// return, collecting each rank's error. Grounded on backend/raid3's use of
// errgroup to fan a fixed-size operation out across a process set; unlike
// raid3's use of g.Wait()'s error, every rank's error is kept (a collective
// call failing on one rank must still be visible to the caller per-rank,
// not collapsed to the first non-nil one).
func runRanks(n int, fn func(r int) error) []error {
	g := new(errgroup.Group)
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		r := r
		g.Go(func() error {
			errs[r] = fn(r)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
}
