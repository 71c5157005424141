package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNode_RejectsOutOfRange(t *testing.T) {
	req := require.New(t)

	_, err := NewNode(-1)
	req.Error(err)
	_, err = NewNode(nodeMax + 1)
	req.Error(err)

	n, err := NewNode(nodeMax)
	req.NoError(err)
	req.EqualValues(nodeMax, nodeOf(n.Generate()))
}

func TestGenerate_UniqueAndIncreasingAcrossGoroutines(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(7)
	req.NoError(err)

	const workers, perWorker = 8, 500
	ids := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(-1)
			for i := 0; i < perWorker; i++ {
				id := n.Generate()
				if id <= last {
					t.Errorf("id %d not greater than %d", id, last)
				}
				last = id
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, workers*perWorker)
	for id := range ids {
		_, dup := seen[id]
		req.False(dup)
		seen[id] = struct{}{}
		req.EqualValues(7, nodeOf(id))
	}
}

func TestGenerate_ClockMovingBackwards(t *testing.T) {
	req := require.New(t)
	n, err := NewNode(1)
	req.NoError(err)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	n.now = func() int64 { return clock }
	first := n.Generate()

	clock -= 1000
	second := n.Generate()
	req.Greater(second, first)
	req.Equal(timeOf(first), timeOf(second))
}

func TestNodeNumber_StableAndInRange(t *testing.T) {
	req := require.New(t)
	for _, name := range []string{"", "gateway-1", "gateway-2", "8b2f0d7e-2f5c-4c1e-9a57-0d3c2b7e6f10"} {
		n := NodeNumber(name)
		req.GreaterOrEqual(n, int64(0))
		req.LessOrEqual(n, int64(nodeMax))
		req.Equal(n, NodeNumber(name))

		_, err := NewNode(n)
		req.NoError(err)
	}
}
