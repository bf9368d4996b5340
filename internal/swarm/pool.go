package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

// PoolOptions configures one pool run.
type PoolOptions struct {
	SwarmID  string
	JobID    string
	WorkerID string

	Concurrency int
	MaxRetries  int
	// RetryDelay is the wait before the second attempt; it doubles after
	// every further failure.
	RetryDelay time.Duration

	PromptTemplate string
	TotalBatches   int
	UserMessage    string

	Invoker Invoker
	Sink    telemetry.Sink
	// OnBatchDone runs synchronously, in completion order, once per batch.
	OnBatchDone func(BatchResult, Progress)
}

// DefaultPoolOptions returns options with the system defaults applied.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		Concurrency: config.DefaultConcurrency,
		MaxRetries:  config.DefaultMaxRetries,
		RetryDelay:  config.DefaultRetryDelay,
	}
}

// Pool drives batches through a gate of bounded concurrency and retries
// failed attempts with exponential backoff.
type Pool struct {
	opts PoolOptions
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = config.DefaultConcurrency
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = config.DefaultRetryDelay
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop()
	}
	return &Pool{opts: opts}
}

// poolState holds the job-scoped counters shared by batch goroutines.
type poolState struct {
	mu        sync.Mutex
	completed int
	failed    int
	total     int
}

func (s *poolState) record(success bool) Progress {
	if success {
		s.completed++
	} else {
		s.failed++
	}
	return Progress{Completed: s.completed, Failed: s.failed, Total: s.total}
}

// Run processes every batch and returns one result per batch, positioned
// by batch index. It returns only when all batches are terminal. Batch
// failures are reported in the results, never as an error.
func (p *Pool) Run(ctx context.Context, batches []*Batch) []BatchResult {
	total := p.opts.TotalBatches
	if total <= 0 {
		total = len(batches)
	}

	results := make([]BatchResult, len(batches))
	gate := NewGate(p.opts.Concurrency)
	state := &poolState{total: len(batches)}

	slog.Info("swarm pool starting", "swarm", p.opts.SwarmID, "job", p.opts.JobID,
		"batches", len(batches), "concurrency", gate.Limit())
	p.emit(telemetry.PoolStart, map[string]any{
		"total_batches": len(batches),
		"concurrency":   gate.Limit(),
	})

	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.process(ctx, gate, b, total)
			results[i] = res

			state.mu.Lock()
			progress := state.record(res.Success)
			p.emit(telemetry.BatchDone, map[string]any{
				"batch_index": res.BatchIndex,
				"success":     res.Success,
				"duration":    res.Duration,
				"completed":   progress.Completed,
				"failed":      progress.Failed,
				"total":       progress.Total,
			})
			if p.opts.OnBatchDone != nil {
				p.opts.OnBatchDone(res, progress)
			}
			state.mu.Unlock()
		}()
	}
	wg.Wait()

	slog.Info("swarm pool finished", "swarm", p.opts.SwarmID, "job", p.opts.JobID,
		"completed", state.completed, "failed", state.failed, "total", state.total)
	p.emit(telemetry.PoolDone, map[string]any{
		"completed": state.completed,
		"failed":    state.failed,
		"total":     state.total,
	})

	return results
}

func (p *Pool) process(ctx context.Context, gate *Gate, b *Batch, total int) BatchResult {
	if err := gate.Acquire(ctx); err != nil {
		now := time.Now()
		b.StartTime, b.EndTime = now, now
		return p.fail(b, fmt.Errorf("acquire slot: %w", err))
	}
	defer gate.Release()

	b.Status = StatusProcessing
	b.StartTime = time.Now()
	prompt := RenderPrompt(p.opts.PromptTemplate, b, total, p.opts.UserMessage)

	attempts := p.opts.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := retryDelay(p.opts.RetryDelay, attempt-1)
			slog.Warn("batch attempt failed, retrying", "swarm", p.opts.SwarmID, "job", p.opts.JobID,
				"batch", b.Index, "attempt", attempt-1, "delay", delay, "error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			b.Retries++
		}

		p.emit(telemetry.BatchStart, map[string]any{
			"batch_index": b.Index,
			"batch_size":  len(b.Items),
			"attempt":     attempt,
		})

		out, err := invokeSafely(ctx, p.opts.Invoker, Invocation{
			WorkerID:     p.opts.WorkerID,
			Prompt:       prompt,
			FreshContext: true,
			SwarmID:      p.opts.SwarmID,
			JobID:        p.opts.JobID,
			BatchIndex:   b.Index,
		})
		if err == nil {
			b.EndTime = time.Now()
			b.Status = StatusCompleted
			b.Result = out
			b.Error = ""
			slog.Debug("batch completed", "job", p.opts.JobID, "batch", b.Index, "attempts", attempt)
			return BatchResult{
				BatchIndex: b.Index,
				Success:    true,
				Result:     out,
				Duration:   b.EndTime.Sub(b.StartTime).Milliseconds(),
			}
		}
		lastErr = err
	}

	b.EndTime = time.Now()
	slog.Error("batch failed", "swarm", p.opts.SwarmID, "job", p.opts.JobID,
		"batch", b.Index, "retries", b.Retries, "error", lastErr)
	return p.fail(b, lastErr)
}

func (p *Pool) fail(b *Batch, err error) BatchResult {
	b.Status = StatusFailed
	b.Error = err.Error()
	return BatchResult{
		BatchIndex: b.Index,
		Success:    false,
		Error:      b.Error,
		Duration:   b.EndTime.Sub(b.StartTime).Milliseconds(),
	}
}

// invokeSafely turns a missing invoker or a panicking worker into an error.
func invokeSafely(ctx context.Context, invoker Invoker, inv Invocation) (out string, err error) {
	if invoker == nil {
		return "", errors.New("no invoker configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return invoker.Invoke(ctx, inv)
}

func (p *Pool) emit(eventType string, data map[string]any) {
	p.opts.Sink.Emit(telemetry.New(eventType, p.opts.SwarmID, p.opts.JobID, data))
}

// RenderPrompt fills the batch placeholders of a prompt template.
func RenderPrompt(tmpl string, b *Batch, totalBatches int, userMessage string) string {
	r := strings.NewReplacer(
		"{{items}}", strings.Join(b.Items, "\n"),
		"{{items_json}}", itemsJSON(b.Items),
		"{{batch_index}}", strconv.Itoa(b.Index),
		"{{batch_number}}", strconv.Itoa(b.Index+1),
		"{{total_batches}}", strconv.Itoa(totalBatches),
		"{{batch_size}}", strconv.Itoa(len(b.Items)),
		"{{user_message}}", userMessage,
	)
	return r.Replace(tmpl)
}

func itemsJSON(items []string) string {
	if items == nil {
		items = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "[]"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// retryDelay is base * 2^(failedAttempt-1).
func retryDelay(base time.Duration, failedAttempt int) time.Duration {
	return base << (failedAttempt - 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
