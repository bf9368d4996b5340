package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateLimit(t *testing.T) {
	g := NewGate(2)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.InUse())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Acquire(short), context.DeadlineExceeded)
	assert.Equal(t, 2, g.InUse())

	g.Release()
	require.NoError(t, g.Acquire(ctx))
	g.Release()
	g.Release()
	assert.Equal(t, 0, g.InUse())
}

func TestGateMinimumLimit(t *testing.T) {
	assert.Equal(t, 1, NewGate(0).Limit())
	assert.Equal(t, 1, NewGate(-3).Limit())
	assert.Equal(t, 7, NewGate(7).Limit())
}

func TestGateFIFO(t *testing.T) {
	g := NewGate(1)
	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx); err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			g.Release()
		}()
		// Let waiter i queue before the next one arrives.
		time.Sleep(10 * time.Millisecond)
	}

	g.Release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
