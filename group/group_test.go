package group_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grailbio/fex/group"
)

func TestBroadcastFromRoot(t *testing.T) {
	const size = 4
	g := group.NewLocal(size)
	results := make([][]byte, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			var payload []byte
			if i == 0 {
				payload = []byte("plan")
			}
			out, err := g.Rank(i).Broadcast(0, payload)
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i := 0; i < size; i++ {
		assert.Equal(t, "plan", string(results[i]), "rank %d", i)
	}
}

func TestGatherCollectsAllContributions(t *testing.T) {
	const size = 3
	g := group.NewLocal(size)
	results := make([][][]byte, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			out, err := g.Rank(i).Gather(0, []byte{byte('a' + i)})
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i := 0; i < size; i++ {
		require.Len(t, results[i], size)
		for j := 0; j < size; j++ {
			assert.Equal(t, string(rune('a'+j)), string(results[i][j]))
		}
	}
}

func TestReduceSum(t *testing.T) {
	const size = 5
	g := group.NewLocal(size)
	results := make([]int64, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			out, err := g.Rank(i).Reduce(int64(i+1), func(a, b int64) int64 { return a + b })
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i := 0; i < size; i++ {
		assert.Equal(t, int64(15), results[i]) // 1+2+3+4+5
	}
}

func TestReduceInt64sElementWiseSum(t *testing.T) {
	const size = 3
	g := group.NewLocal(size)
	contributions := [][]int64{
		{1, 0, 2},
		{0, 5, 0},
		{3, 0, 0},
	}
	results := make([][]int64, size)
	var wg sync.WaitGroup
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			out, err := g.Rank(i).ReduceInt64s(contributions[i])
			require.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()
	for i := 0; i < size; i++ {
		assert.Equal(t, []int64{4, 5, 2}, results[i])
	}
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	const size = 4
	g := group.NewLocal(size)
	var wg sync.WaitGroup
	wg.Add(size)
	for i := 0; i < size; i++ {
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, g.Rank(i).Barrier())
		}(i)
	}
	wg.Wait()
}

func TestSendRecvPointToPoint(t *testing.T) {
	g := group.NewLocal(2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, g.Rank(0).Send(1, []byte("hello")))
	}()
	msg, err := g.Rank(1).Recv(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
	<-done
}
