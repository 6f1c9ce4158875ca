// Package erasure implements the chunk-level encode/decode primitives
// backing the XOR and Reed-Solomon redundancy schemes of spec.md §4.5: XOR
// parity across k data chunks, and (k,m) Reed-Solomon for tolerating m
// simultaneous losses out of k+m shards.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Coder encodes a set of equal-length data chunks into parity chunks, and
// recovers missing chunks given any surviving subset that meets the
// scheme's minimum.
type Coder interface {
	// Encode returns m parity chunks computed from the k data chunks. All
	// chunks (data and parity) are the same length.
	Encode(data [][]byte) (parity [][]byte, err error)

	// Decode reconstructs every chunk in the logical k+m order, given the
	// chunks present at present (others must be nil). present must include
	// enough surviving chunks to reconstruct per the scheme's fault model.
	Decode(present [][]byte) (all [][]byte, err error)

	// DataShards and ParityShards report the scheme's (k, m).
	DataShards() int
	ParityShards() int
}

// xorCoder implements the single-parity-chunk XOR scheme of spec.md §4.5
// "XOR(k,1)": m is always 1, and the parity chunk is the byte-wise XOR of
// the k data chunks, computed in one in-memory pass (package redundancy's
// XOR engine calls it on the zero-padded data of every group member).
type xorCoder struct {
	k int
}

// NewXOR returns a Coder implementing XOR(k,1) parity.
func NewXOR(k int) Coder {
	return &xorCoder{k: k}
}

func (c *xorCoder) DataShards() int   { return c.k }
func (c *xorCoder) ParityShards() int { return 1 }

func (c *xorCoder) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.k {
		return nil, fmt.Errorf("erasure: xor encode: want %d data chunks, got %d", c.k, len(data))
	}
	n := chunkLen(data)
	parity := make([]byte, n)
	for _, chunk := range data {
		xorInto(parity, chunk)
	}
	return [][]byte{parity}, nil
}

func (c *xorCoder) Decode(present [][]byte) ([][]byte, error) {
	if len(present) != c.k+1 {
		return nil, fmt.Errorf("erasure: xor decode: expected %d slots, got %d", c.k+1, len(present))
	}
	missing := -1
	for i, chunk := range present {
		if chunk == nil {
			if missing != -1 {
				return nil, fmt.Errorf("erasure: xor decode: more than one chunk missing")
			}
			missing = i
		}
	}
	if missing == -1 {
		return present, nil
	}
	n := chunkLen(present)
	rebuilt := make([]byte, n)
	for i, chunk := range present {
		if i == missing {
			continue
		}
		xorInto(rebuilt, chunk)
	}
	out := make([][]byte, len(present))
	copy(out, present)
	out[missing] = rebuilt
	return out, nil
}

func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}

func chunkLen(chunks [][]byte) int {
	for _, c := range chunks {
		if c != nil {
			return len(c)
		}
	}
	return 0
}

// rsCoder implements spec.md §4.5's Reed-Solomon (k,m) scheme atop
// klauspost/reedsolomon, the same library package scr-project/scr adopts
// for its erasure coding (spec.md §6 domain stack).
type rsCoder struct {
	k, m int
	enc  reedsolomon.Encoder
}

// NewReedSolomon returns a Coder implementing (k,m) Reed-Solomon, tolerating
// up to m simultaneous shard losses.
func NewReedSolomon(k, m int) (Coder, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("erasure: new reed-solomon(%d,%d): %w", k, m, err)
	}
	return &rsCoder{k: k, m: m, enc: enc}, nil
}

func (c *rsCoder) DataShards() int   { return c.k }
func (c *rsCoder) ParityShards() int { return c.m }

func (c *rsCoder) Encode(data [][]byte) ([][]byte, error) {
	if len(data) != c.k {
		return nil, fmt.Errorf("erasure: rs encode: want %d data shards, got %d", c.k, len(data))
	}
	shards := make([][]byte, c.k+c.m)
	copy(shards, data)
	for i := c.k; i < c.k+c.m; i++ {
		shards[i] = make([]byte, len(data[0]))
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: rs encode: %w", err)
	}
	return shards[c.k:], nil
}

func (c *rsCoder) Decode(present [][]byte) ([][]byte, error) {
	if len(present) != c.k+c.m {
		return nil, fmt.Errorf("erasure: rs decode: expected %d shards, got %d", c.k+c.m, len(present))
	}
	shards := make([][]byte, len(present))
	copy(shards, present)

	complete := true
	for _, s := range shards {
		if s == nil {
			complete = false
			break
		}
	}
	if complete {
		return shards, nil
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("erasure: rs reconstruct: %w", err)
	}
	return shards, nil
}
