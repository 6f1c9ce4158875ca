package erasure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXOREncodeDecode(t *testing.T) {
	c := NewXOR(3)
	data := [][]byte{
		[]byte("aaaa"),
		[]byte("bbbb"),
		[]byte("cccc"),
	}
	parity, err := c.Encode(data)
	require.NoError(t, err)
	require.Len(t, parity, 1)

	present := append(append([][]byte{}, data...), parity...)
	present[1] = nil // lose the second data chunk

	rebuilt, err := c.Decode(present)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[1], rebuilt[1]))
}

func TestXORDecodeNoLoss(t *testing.T) {
	c := NewXOR(2)
	data := [][]byte{[]byte("xxxx"), []byte("yyyy")}
	parity, err := c.Encode(data)
	require.NoError(t, err)

	present := append(append([][]byte{}, data...), parity...)
	got, err := c.Decode(present)
	require.NoError(t, err)
	require.Equal(t, present, got)
}

func TestXORDecodeTooManyMissing(t *testing.T) {
	c := NewXOR(3)
	present := [][]byte{nil, nil, []byte("cccc"), []byte("parity")}
	_, err := c.Decode(present)
	require.Error(t, err)
}

func TestReedSolomonEncodeReconstruct(t *testing.T) {
	c, err := NewReedSolomon(4, 2)
	require.NoError(t, err)

	data := [][]byte{
		bytes.Repeat([]byte{1}, 16),
		bytes.Repeat([]byte{2}, 16),
		bytes.Repeat([]byte{3}, 16),
		bytes.Repeat([]byte{4}, 16),
	}
	parity, err := c.Encode(data)
	require.NoError(t, err)
	require.Len(t, parity, 2)

	all := append(append([][]byte{}, data...), parity...)
	lost := make([][]byte, len(all))
	copy(lost, all)
	lost[0] = nil
	lost[4] = nil // lose two shards, within the (4,2) fault tolerance

	rebuilt, err := c.Decode(lost)
	require.NoError(t, err)
	for i := range all {
		require.True(t, bytes.Equal(all[i], rebuilt[i]), "shard %d mismatch", i)
	}
}

func TestReedSolomonDecodeAlreadyComplete(t *testing.T) {
	c, err := NewReedSolomon(3, 2)
	require.NoError(t, err)
	data := [][]byte{
		bytes.Repeat([]byte{9}, 8),
		bytes.Repeat([]byte{8}, 8),
		bytes.Repeat([]byte{7}, 8),
	}
	parity, err := c.Encode(data)
	require.NoError(t, err)
	all := append(append([][]byte{}, data...), parity...)

	got, err := c.Decode(all)
	require.NoError(t, err)
	require.Equal(t, all, got)
}

func TestCoderShardCounts(t *testing.T) {
	x := NewXOR(5)
	require.Equal(t, 5, x.DataShards())
	require.Equal(t, 1, x.ParityShards())

	rs, err := NewReedSolomon(6, 3)
	require.NoError(t, err)
	require.Equal(t, 6, rs.DataShards())
	require.Equal(t, 3, rs.ParityShards())
}
