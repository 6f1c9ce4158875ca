// Package comm defines the collective message-passing transport that
// spec.md places out of scope (§1: "the underlying message-passing
// transport") and specifies only at its interface. Every public SCR
// operation in package scr is collective over Comm's world group unless
// noted otherwise (spec.md §5).
//
// Local, the one implementation this repository ships, runs N simulated
// ranks as goroutines inside a single process so the seed tests of
// spec.md §8 (kill a rank's cache, rebuild, etc.) can run without an MPI
// binding; scr.runRanks and other test helpers fan a fixed-size operation
// out across that simulated process set with golang.org/x/sync/errgroup,
// the same tool backend/raid3 uses for its own fixed-size fan-out. The
// per-rank rendezvous barrier itself is grounded on backend/union/policy's
// pattern of running one action per member and reconciling the results.
package comm

import "context"

// Comm is the collective transport interface. All methods are safe to call
// concurrently from every rank's goroutine; a Comm value represents one
// rank's view of a process group (the world, a Group's subgroup, or a
// Group's cross-communicator).
type Comm interface {
	Rank() int
	Size() int

	// Barrier blocks until every rank has entered.
	Barrier(ctx context.Context) error

	// Broadcast distributes root's value to every rank's return value.
	Broadcast(ctx context.Context, root int, value []byte) ([]byte, error)

	// AllreduceAnd returns true only if every rank passed true (used to
	// reconcile collective success, spec.md §3 invariant 3 and §7).
	AllreduceAnd(ctx context.Context, value bool) (bool, error)

	// AllreduceSum returns the sum of every rank's value.
	AllreduceSum(ctx context.Context, value int) (int, error)

	// AllreduceMax returns the maximum of every rank's value.
	AllreduceMax(ctx context.Context, value int64) (int64, error)

	// SendRecv exchanges a byte payload with a specific destination/source
	// rank (the PARTNER scheme, spec.md §4.5). Either dest or
	// source may be NoRank to only send or only receive.
	SendRecv(ctx context.Context, dest int, send []byte, source int) ([]byte, error)

	// Gather collects every rank's value at root; non-root ranks get nil.
	Gather(ctx context.Context, root int, value []byte) ([][]byte, error)

	// AllGather collects every rank's value and returns the full ordered
	// list to every rank (used to build group descriptors from a per-rank
	// attribute string, spec.md §4.4).
	AllGather(ctx context.Context, value []byte) ([][]byte, error)

	// Sub returns a Comm over the given world ranks only (a Group's
	// subgroup or cross-communicator, spec.md §4.4). All ranks in the new
	// subcommunicator must call Sub with an identical worldRanks slice.
	Sub(worldRanks []int) Comm
}

// NoRank indicates "no peer" in a SendRecv call (SCR's MPI_PROC_NULL).
const NoRank = -1
