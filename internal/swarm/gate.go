package swarm

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many batches are in flight. Waiters are served in
// arrival order: a released slot goes to the oldest waiter.
type Gate struct {
	sem   *semaphore.Weighted
	limit int
	inUse atomic.Int64
}

func NewGate(limit int) *Gate {
	if limit <= 0 {
		limit = 1
	}
	return &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

func (g *Gate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

// InUse reports how many slots are currently held.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

func (g *Gate) Limit() int {
	return g.limit
}
