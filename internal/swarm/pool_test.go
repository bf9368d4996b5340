package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

type recordSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordSink) Emit(e telemetry.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordSink) ofType(eventType string) []telemetry.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func makeItems(n int) []string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("x%d", i+1)
	}
	return items
}

func testPoolOptions(inv Invoker) PoolOptions {
	opts := DefaultPoolOptions()
	opts.SwarmID = "test"
	opts.JobID = "job-1"
	opts.WorkerID = "echo"
	opts.RetryDelay = time.Millisecond
	opts.PromptTemplate = "{{items}}"
	opts.Invoker = inv
	return opts
}

func echoInvoker() Invoker {
	return InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		return inv.Prompt, nil
	})
}

func TestPoolConcurrencyBound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var inFlight, peak atomic.Int64
	inv := InvokerFunc(func(_ context.Context, _ Invocation) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	opts := testPoolOptions(inv)
	opts.Concurrency = 2
	results := NewPool(opts).Run(context.Background(), SplitIntoBatches(makeItems(5), 1))

	require.Len(t, results, 5)
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(2), peak.Load())
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestPoolIndexStableResults(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	inv := InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		if inv.BatchIndex == 0 {
			time.Sleep(50 * time.Millisecond)
		}
		return fmt.Sprintf("out-%d", inv.BatchIndex), nil
	})

	var (
		mu         sync.Mutex
		completion []int
	)
	opts := testPoolOptions(inv)
	opts.OnBatchDone = func(r BatchResult, _ Progress) {
		mu.Lock()
		completion = append(completion, r.BatchIndex)
		mu.Unlock()
	}

	results := NewPool(opts).Run(context.Background(), SplitIntoBatches(makeItems(2), 1))

	assert.Equal(t, []int{1, 0}, completion)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, i, r.BatchIndex)
		assert.Equal(t, fmt.Sprintf("out-%d", i), r.Result)
	}
}

func TestPoolRetrySemantics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var (
		mu       sync.Mutex
		attempts = map[int]int{}
	)
	inv := InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		mu.Lock()
		attempts[inv.BatchIndex]++
		n := attempts[inv.BatchIndex]
		mu.Unlock()

		switch inv.BatchIndex {
		case 0:
			if n <= 2 {
				return "", fmt.Errorf("transient %d", n)
			}
			return "recovered", nil
		case 1:
			return "", errors.New("boom")
		}
		return "ok", nil
	})

	opts := testPoolOptions(inv)
	opts.MaxRetries = 2
	batches := SplitIntoBatches(makeItems(4), 1)
	results := NewPool(opts).Run(context.Background(), batches)

	assert.Equal(t, StatusCompleted, batches[0].Status)
	assert.Equal(t, 2, batches[0].Retries)
	assert.True(t, results[0].Success)
	assert.Equal(t, "recovered", results[0].Result)

	assert.Equal(t, StatusFailed, batches[1].Status)
	assert.Equal(t, 2, batches[1].Retries)
	assert.Equal(t, "boom", batches[1].Error)
	assert.False(t, results[1].Success)
	assert.Equal(t, "boom", results[1].Error)

	mu.Lock()
	assert.Equal(t, 3, attempts[0])
	assert.Equal(t, 3, attempts[1])
	assert.Equal(t, 1, attempts[2])
	mu.Unlock()

	for _, b := range batches {
		assert.True(t, b.Status.Terminal())
		assert.LessOrEqual(t, b.Retries, opts.MaxRetries)
	}
}

func TestPoolFreshContextEveryAttempt(t *testing.T) {
	var stale atomic.Int64
	var calls atomic.Int64
	inv := InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		if !inv.FreshContext {
			stale.Add(1)
		}
		if calls.Add(1)%2 == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	opts := testPoolOptions(inv)
	opts.Concurrency = 1
	NewPool(opts).Run(context.Background(), SplitIntoBatches(makeItems(3), 1))

	assert.Zero(t, stale.Load())
	assert.Equal(t, int64(6), calls.Load())
}

func TestPoolProgressAndEvents(t *testing.T) {
	inv := InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		if inv.BatchIndex == 2 {
			return "", errors.New("nope")
		}
		return "ok", nil
	})

	sink := &recordSink{}
	var snapshots []Progress
	opts := testPoolOptions(inv)
	opts.MaxRetries = 0
	opts.Sink = sink
	opts.OnBatchDone = func(_ BatchResult, p Progress) {
		snapshots = append(snapshots, p)
	}

	NewPool(opts).Run(context.Background(), SplitIntoBatches(makeItems(4), 1))

	require.Len(t, snapshots, 4)
	for i, p := range snapshots {
		assert.Equal(t, i+1, p.Completed+p.Failed)
		assert.Equal(t, 4, p.Total)
	}
	last := snapshots[3]
	assert.Equal(t, 3, last.Completed)
	assert.Equal(t, 1, last.Failed)

	starts := sink.ofType(telemetry.PoolStart)
	require.Len(t, starts, 1)
	assert.Equal(t, 4, starts[0].Data["total_batches"])
	assert.Equal(t, "job-1", starts[0].JobID)

	assert.Len(t, sink.ofType(telemetry.BatchStart), 4)
	assert.Len(t, sink.ofType(telemetry.BatchDone), 4)

	done := sink.ofType(telemetry.PoolDone)
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].Data["completed"])
	assert.Equal(t, 1, done[0].Data["failed"])
	assert.Equal(t, 4, done[0].Data["total"])
}

func TestPoolCanceledContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := InvokerFunc(func(ctx context.Context, _ Invocation) (string, error) {
		return "", ctx.Err()
	})
	opts := testPoolOptions(inv)
	opts.Concurrency = 1
	opts.RetryDelay = time.Hour

	batches := SplitIntoBatches(makeItems(3), 1)
	results := NewPool(opts).Run(ctx, batches)

	require.Len(t, results, 3)
	for i, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, i, r.BatchIndex)
		assert.NotEmpty(t, r.Error)
		assert.Equal(t, StatusFailed, batches[i].Status)
	}
}

func TestPoolRecoversPanickingWorker(t *testing.T) {
	inv := InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		if inv.BatchIndex == 0 {
			panic("kaboom")
		}
		return "ok", nil
	})
	opts := testPoolOptions(inv)
	opts.MaxRetries = 0

	results := NewPool(opts).Run(context.Background(), SplitIntoBatches(makeItems(2), 1))
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "kaboom")
	assert.True(t, results[1].Success)
}

func TestPoolWithoutInvoker(t *testing.T) {
	opts := testPoolOptions(nil)
	opts.MaxRetries = 0
	results := NewPool(opts).Run(context.Background(), SplitIntoBatches(makeItems(1), 1))
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, retryDelay(base, 1))
	assert.Equal(t, 4*time.Second, retryDelay(base, 2))
	assert.Equal(t, 8*time.Second, retryDelay(base, 3))
}

func TestRenderPrompt(t *testing.T) {
	b := &Batch{Index: 2, Items: []string{"a<b", "c"}}
	tmpl := "{{batch_number}}/{{total_batches}} (#{{batch_index}}, {{batch_size}} items) for {{user_message}}:\n{{items}}\n{{items_json}}\n{{items}}"

	got := RenderPrompt(tmpl, b, 5, "audit")
	assert.Equal(t, "3/5 (#2, 2 items) for audit:\na<b\nc\n[\"a<b\",\"c\"]\na<b\nc", got)
}

func TestRenderPromptDoesNotExpandItemText(t *testing.T) {
	b := &Batch{Index: 0, Items: []string{"{{batch_index}}"}}
	assert.Equal(t, "{{batch_index}}", RenderPrompt("{{items}}", b, 1, ""))
}

func TestEndToEndConcatenate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opts := testPoolOptions(echoInvoker())
	opts.Concurrency = 3
	batches := SplitIntoBatches(makeItems(47), 10)
	require.Len(t, batches, 5)

	results := NewPool(opts).Run(context.Background(), batches)

	outputs := make([]string, 0, len(results))
	for _, r := range results {
		require.True(t, r.Success)
		outputs = append(outputs, r.Result)
	}
	final := NewReducer(ReduceOptions{}).Reduce(context.Background(), "concatenate", outputs)

	prev := -1
	for k := 1; k <= 5; k++ {
		heading := fmt.Sprintf("Batch %d of 5", k)
		assert.Equal(t, 1, strings.Count(final, heading))
		pos := strings.Index(final, heading)
		assert.Greater(t, pos, prev)
		prev = pos
	}
	assert.Contains(t, final, "x47")
}
