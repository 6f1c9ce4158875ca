package comm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// World is a fixed set of in-process ranks sharing rendezvous barriers.
// NewWorld(n) returns n Comm values, one per rank, all belonging to the
// same world group; a Comm's Sub further partitions ranks into subgroups
// the way spec.md §4.4 groups descriptors by a per-process attribute
// string.
type World struct {
	mu    sync.Mutex
	size  int
	comms map[string]*sharedComm // keyed by sorted member list
}

// NewWorld constructs a world of n simulated ranks.
func NewWorld(n int) *World {
	if n <= 0 {
		panic("comm: world size must be positive")
	}
	return &World{size: n, comms: make(map[string]*sharedComm)}
}

// Rank returns a Comm handle for the given world rank, over the full world.
func (w *World) Rank(r int) Comm {
	if r < 0 || r >= w.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0,%d)", r, w.size))
	}
	members := make([]int, w.size)
	for i := range members {
		members[i] = i
	}
	return &localComm{world: w, shared: w.sharedFor(members), self: r, members: members}
}

func (w *World) sharedFor(members []int) *sharedComm {
	key := membersKey(members)
	w.mu.Lock()
	defer w.mu.Unlock()
	sc, ok := w.comms[key]
	if !ok {
		sc = &sharedComm{n: len(members)}
		sc.cond = sync.NewCond(&sc.mu)
		w.comms[key] = sc
	}
	return sc
}

func membersKey(members []int) string {
	sorted := append([]int(nil), members...)
	sort.Ints(sorted)
	return fmt.Sprintf("%v", sorted)
}

// sharedComm is a reusable sense-reversing barrier shared by every rank of
// one communicator: each collective call is one "phase" of the barrier.
// Because SCR's collective contract requires every rank to call operations
// on a given communicator in the same order (spec.md §5), phases line up
// across ranks without any separate call-numbering scheme.
type sharedComm struct {
	mu         sync.Mutex
	cond       *sync.Cond
	n          int
	arrived    int
	generation int
	payloads   map[int][]byte
	results    [][]byte
}

// join runs one phase: each rank contributes payload under its local rank
// index; once all n ranks have arrived, resolve computes each rank's result
// from the full ordered contribution slice.
func (s *sharedComm) join(rank int, payload []byte, resolve func(ordered [][]byte) [][]byte) []byte {
	s.mu.Lock()
	gen := s.generation
	if s.payloads == nil {
		s.payloads = make(map[int][]byte, s.n)
	}
	s.payloads[rank] = payload
	s.arrived++
	if s.arrived == s.n {
		ordered := make([][]byte, s.n)
		for i := 0; i < s.n; i++ {
			ordered[i] = s.payloads[i]
		}
		s.results = resolve(ordered)
		s.payloads = make(map[int][]byte, s.n)
		s.arrived = 0
		s.generation++
		s.cond.Broadcast()
	} else {
		for s.generation == gen {
			s.cond.Wait()
		}
	}
	result := s.results[rank]
	s.mu.Unlock()
	return result
}

// localComm is one rank's view of a (sub)communicator.
type localComm struct {
	world   *World
	shared  *sharedComm
	self    int // this rank's world id
	members []int
}

func (c *localComm) Rank() int {
	for i, m := range c.members {
		if m == c.self {
			return i
		}
	}
	panic("comm: self not a member of its own communicator")
}

func (c *localComm) Size() int { return len(c.members) }

func (c *localComm) Barrier(ctx context.Context) error {
	c.shared.join(c.Rank(), nil, func(ordered [][]byte) [][]byte {
		return make([][]byte, len(ordered))
	})
	return nil
}

func (c *localComm) Broadcast(ctx context.Context, root int, value []byte) ([]byte, error) {
	contribution := value
	if c.Rank() != root {
		contribution = nil
	}
	res := c.shared.join(c.Rank(), contribution, func(ordered [][]byte) [][]byte {
		out := make([][]byte, len(ordered))
		for i := range out {
			out[i] = ordered[root]
		}
		return out
	})
	return res, nil
}

func (c *localComm) AllreduceAnd(ctx context.Context, value bool) (bool, error) {
	b := []byte{0}
	if value {
		b[0] = 1
	}
	res := c.shared.join(c.Rank(), b, func(ordered [][]byte) [][]byte {
		all := true
		for _, o := range ordered {
			if len(o) == 0 || o[0] == 0 {
				all = false
				break
			}
		}
		v := byte(0)
		if all {
			v = 1
		}
		out := make([][]byte, len(ordered))
		for i := range out {
			out[i] = []byte{v}
		}
		return out
	})
	return len(res) > 0 && res[0] == 1, nil
}

func (c *localComm) AllreduceSum(ctx context.Context, value int) (int, error) {
	res := c.shared.join(c.Rank(), encodeInt(int64(value)), func(ordered [][]byte) [][]byte {
		var sum int64
		for _, o := range ordered {
			sum += decodeInt(o)
		}
		out := make([][]byte, len(ordered))
		for i := range out {
			out[i] = encodeInt(sum)
		}
		return out
	})
	return int(decodeInt(res)), nil
}

func (c *localComm) AllreduceMax(ctx context.Context, value int64) (int64, error) {
	res := c.shared.join(c.Rank(), encodeInt(value), func(ordered [][]byte) [][]byte {
		var max int64
		for i, o := range ordered {
			v := decodeInt(o)
			if i == 0 || v > max {
				max = v
			}
		}
		out := make([][]byte, len(ordered))
		for i := range out {
			out[i] = encodeInt(max)
		}
		return out
	})
	return decodeInt(res), nil
}

// SendRecv implements a pairwise exchange as one phase of the communicator's
// barrier: every rank contributes its outgoing message tagged with its
// destination's local rank, and the resolver routes each message into its
// destination's result slot.
func (c *localComm) SendRecv(ctx context.Context, dest int, send []byte, source int) ([]byte, error) {
	msg := sendRecvMsg{dest: dest, payload: send}
	res := c.shared.join(c.Rank(), encodeSendRecv(msg), func(ordered [][]byte) [][]byte {
		out := make([][]byte, len(ordered))
		for fromRank, raw := range ordered {
			m := decodeSendRecv(raw)
			if m.dest == NoRank || m.dest < 0 || m.dest >= len(ordered) {
				continue
			}
			out[m.dest] = encodeSendRecv(sendRecvMsg{dest: fromRank, payload: m.payload})
		}
		return out
	})
	if source == NoRank || len(res) == 0 {
		return nil, nil
	}
	m := decodeSendRecv(res)
	return m.payload, nil
}

func (c *localComm) Gather(ctx context.Context, root int, value []byte) ([][]byte, error) {
	res := c.shared.join(c.Rank(), value, func(ordered [][]byte) [][]byte {
		out := make([][]byte, len(ordered))
		out[root] = encodeList(ordered)
		return out
	})
	if c.Rank() != root {
		return nil, nil
	}
	return decodeList(res), nil
}

func (c *localComm) AllGather(ctx context.Context, value []byte) ([][]byte, error) {
	res := c.shared.join(c.Rank(), value, func(ordered [][]byte) [][]byte {
		joined := encodeList(ordered)
		out := make([][]byte, len(ordered))
		for i := range out {
			out[i] = joined
		}
		return out
	})
	return decodeList(res), nil
}

// Sub returns a Comm over the given world ranks only (used to build a
// Group's subgroup or cross-communicator, spec.md §4.4). worldRanks need
// not be sorted; the returned Comm's local rank is worldRanks' index of
// self. self must be present in worldRanks. All ranks in the new
// subcommunicator must call Sub with an identical worldRanks slice so they
// share the same underlying barrier.
func (c *localComm) Sub(worldRanks []int) Comm {
	present := false
	for _, r := range worldRanks {
		if r == c.self {
			present = true
			break
		}
	}
	if !present {
		panic("comm: self not present in requested subgroup")
	}
	return &localComm{world: c.world, shared: c.world.sharedFor(worldRanks), self: c.self, members: append([]int(nil), worldRanks...)}
}

// --- minimal wire helpers (no codec package dependency for comm internals) ---

func encodeInt(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt(b []byte) int64 {
	var v int64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

type sendRecvMsg struct {
	dest    int
	payload []byte
}

func encodeSendRecv(m sendRecvMsg) []byte {
	head := encodeInt(int64(m.dest))
	return append(head, m.payload...)
}

func decodeSendRecv(b []byte) sendRecvMsg {
	if len(b) < 8 {
		return sendRecvMsg{dest: NoRank}
	}
	return sendRecvMsg{dest: int(decodeInt(b[:8])), payload: b[8:]}
}

func encodeList(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, encodeInt(int64(len(p)))...)
		out = append(out, p...)
	}
	return out
}

func decodeList(b []byte) [][]byte {
	var out [][]byte
	for len(b) >= 8 {
		n := int(decodeInt(b[:8]))
		b = b[8:]
		if n > len(b) {
			break
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
