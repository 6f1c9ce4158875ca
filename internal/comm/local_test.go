package comm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorldBroadcast(t *testing.T) {
	w := NewWorld(4)
	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c := w.Rank(r)
			payload := []byte("nothing")
			if r == 2 {
				payload = []byte("root value")
			}
			res, err := c.Broadcast(context.Background(), 2, payload)
			require.NoError(t, err)
			results[r] = res
		}(r)
	}
	wg.Wait()
	for r := 0; r < 4; r++ {
		require.Equal(t, "root value", string(results[r]))
	}
}

func TestWorldAllreduceAnd(t *testing.T) {
	w := NewWorld(3)
	var wg sync.WaitGroup
	out := make([]bool, 3)
	values := []bool{true, true, false}
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c := w.Rank(r)
			res, err := c.AllreduceAnd(context.Background(), values[r])
			require.NoError(t, err)
			out[r] = res
		}(r)
	}
	wg.Wait()
	for _, v := range out {
		require.False(t, v)
	}
}

func TestWorldAllreduceSumAndMax(t *testing.T) {
	w := NewWorld(3)
	var wg sync.WaitGroup
	sums := make([]int, 3)
	maxes := make([]int64, 3)
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c := w.Rank(r)
			s, err := c.AllreduceSum(context.Background(), r+1)
			require.NoError(t, err)
			sums[r] = s
			m, err := c.AllreduceMax(context.Background(), int64(r*10))
			require.NoError(t, err)
			maxes[r] = m
		}(r)
	}
	wg.Wait()
	for r := 0; r < 3; r++ {
		require.Equal(t, 6, sums[r])
		require.Equal(t, int64(20), maxes[r])
	}
}

func TestWorldSendRecvRing(t *testing.T) {
	w := NewWorld(3)
	var wg sync.WaitGroup
	received := make([][]byte, 3)
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c := w.Rank(r)
			dest := (r + 1) % 3
			source := (r - 1 + 3) % 3
			payload := []byte{byte('a' + r)}
			res, err := c.SendRecv(context.Background(), dest, payload, source)
			require.NoError(t, err)
			received[r] = res
		}(r)
	}
	wg.Wait()
	require.Equal(t, []byte{'c'}, received[0]) // rank 0 receives from rank 2
	require.Equal(t, []byte{'a'}, received[1])
	require.Equal(t, []byte{'b'}, received[2])
}

func TestWorldGather(t *testing.T) {
	w := NewWorld(4)
	var wg sync.WaitGroup
	var gathered [][]byte
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c := w.Rank(r)
			res, err := c.Gather(context.Background(), 0, []byte{byte(r)})
			require.NoError(t, err)
			if r == 0 {
				mu.Lock()
				gathered = res
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	require.Len(t, gathered, 4)
	for i, g := range gathered {
		require.Equal(t, []byte{byte(i)}, g)
	}
}

func TestSubgroup(t *testing.T) {
	w := NewWorld(4)
	// Two groups: {0,2} and {1,3}
	var wg sync.WaitGroup
	results := make([]int, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			var members []int
			if r%2 == 0 {
				members = []int{0, 2}
			} else {
				members = []int{1, 3}
			}
			sub := w.Rank(r).Sub(members)
			sum, err := sub.AllreduceSum(context.Background(), r)
			require.NoError(t, err)
			results[r] = sum
		}(r)
	}
	wg.Wait()
	require.Equal(t, 2, results[0]) // 0+2
	require.Equal(t, 2, results[2])
	require.Equal(t, 4, results[1]) // 1+3
	require.Equal(t, 4, results[3])
}
