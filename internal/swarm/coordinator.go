package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

// ItemResolver produces the input items of a job.
type ItemResolver interface {
	Resolve(ctx context.Context, cfg config.SwarmConfig, message string, files []File) ([]string, error)
}

// JobStore records job history. *store.Store satisfies it.
type JobStore interface {
	SaveJob(j *store.SwarmJob) error
	FinishJob(id, status string, completed, failed int, output, errText string) error
	SaveBatchResults(jobID string, records []store.BatchRecord) error
}

// JobRequest asks for one run of a swarm.
type JobRequest struct {
	ID      string
	Swarm   string
	Message string
	Files   []File
}

// JobResult is the outcome of a finished job.
type JobResult struct {
	JobID      string        `json:"job_id"`
	Swarm      string        `json:"swarm"`
	Status     string        `json:"status"`
	Output     string        `json:"output"`
	Error      string        `json:"error,omitempty"`
	TotalItems int           `json:"total_items"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Total      int           `json:"total"`
	Results    []BatchResult `json:"results"`
	Duration   time.Duration `json:"duration"`
}

// CoordinatorOptions wires the collaborators of a Coordinator. Jobs, Sink
// and Router may be nil.
type CoordinatorOptions struct {
	Swarms   map[string]config.SwarmConfig
	Defaults config.DefaultsConfig
	Invoker  Invoker
	Items    ItemResolver
	Jobs     JobStore
	Sink     telemetry.Sink
	Router   MessageRouter
}

// Coordinator runs swarm jobs end to end: items, batches, pool, reduction
// and history.
type Coordinator struct {
	mu       sync.RWMutex
	swarms   map[string]config.SwarmConfig
	defaults config.DefaultsConfig

	invoker Invoker
	items   ItemResolver
	jobs    JobStore
	sink    telemetry.Sink
	router  MessageRouter

	wg sync.WaitGroup
}

func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	c := &Coordinator{
		invoker: opts.Invoker,
		items:   opts.Items,
		jobs:    opts.Jobs,
		sink:    opts.Sink,
		router:  opts.Router,
	}
	if c.items == nil {
		c.items = messageItems{}
	}
	if c.sink == nil {
		c.sink = telemetry.Nop()
	}
	c.Update(opts.Swarms, opts.Defaults)
	return c
}

// Update swaps the swarm definitions and engine defaults. Running jobs keep
// the copy they started with.
func (c *Coordinator) Update(swarms map[string]config.SwarmConfig, defaults config.DefaultsConfig) {
	copied := make(map[string]config.SwarmConfig, len(swarms))
	for name, sw := range swarms {
		if sw.Name == "" {
			sw.Name = name
		}
		copied[name] = sw
	}

	c.mu.Lock()
	c.swarms = copied
	c.defaults = defaults
	c.mu.Unlock()
}

// Swarms returns the configured swarm names, sorted.
func (c *Coordinator) Swarms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.swarms))
	for name := range c.swarms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns a copy of the configured swarms with defaults applied.
func (c *Coordinator) Definitions() []config.SwarmConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]config.SwarmConfig, 0, len(c.swarms))
	for _, sw := range c.swarms {
		defs = append(defs, sw.WithDefaults())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (c *Coordinator) lookup(name string) (config.SwarmConfig, config.DefaultsConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sw, ok := c.swarms[name]
	if !ok {
		return config.SwarmConfig{}, config.DefaultsConfig{}, fmt.Errorf("%w: %s", ErrUnknownSwarm, name)
	}
	return sw.WithDefaults(), c.defaults, nil
}

// Submit starts a job in the background and returns its id. The job
// outlives ctx.
func (c *Coordinator) Submit(ctx context.Context, req JobRequest) (string, error) {
	if _, _, err := c.lookup(req.Swarm); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Run(context.WithoutCancel(ctx), req); err != nil {
			slog.Error("swarm job failed", "swarm", req.Swarm, "job", req.ID, "error", err)
		}
	}()
	return req.ID, nil
}

// Wait blocks until every submitted job has finished or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes a job synchronously. It errors only when the job cannot
// start; batch and reduction failures are reported in the result.
func (c *Coordinator) Run(ctx context.Context, req JobRequest) (*JobResult, error) {
	sw, defaults, err := c.lookup(req.Swarm)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	start := time.Now()
	job := &store.SwarmJob{
		ID:       req.ID,
		Swarm:    sw.Name,
		WorkerID: sw.Agent,
		Message:  req.Message,
		Strategy: sw.Reduce.Strategy,
	}

	items, err := c.items.Resolve(ctx, sw, req.Message, req.Files)
	if err != nil {
		c.recordStart(job)
		c.recordFinish(job.ID, store.JobFailed, 0, 0, "", err.Error())
		c.emit(telemetry.JobDone, sw.Name, job.ID, map[string]any{
			"status": store.JobFailed,
			"error":  err.Error(),
		})
		return nil, fmt.Errorf("resolve items: %w", err)
	}

	batches := SplitIntoBatches(items, sw.BatchSize)
	job.TotalItems = len(items)
	job.TotalBatches = len(batches)
	c.recordStart(job)

	slog.Info("swarm job started", "swarm", sw.Name, "job", job.ID, "items", len(items),
		"batches", len(batches), "concurrency", sw.Concurrency, "strategy", sw.Reduce.Strategy)

	pool := NewPool(PoolOptions{
		SwarmID:        sw.Name,
		JobID:          job.ID,
		WorkerID:       sw.Agent,
		Concurrency:    sw.Concurrency,
		MaxRetries:     defaults.MaxRetries,
		RetryDelay:     defaults.RetryDelay,
		PromptTemplate: sw.PromptTemplate,
		TotalBatches:   len(batches),
		UserMessage:    req.Message,
		Invoker:        c.invoker,
		Sink:           c.sink,
		OnBatchDone:    c.progressReporter(sw, job.ID),
	})
	results := pool.Run(ctx, batches)

	var outputs []string
	completed, failed := 0, 0
	for _, r := range results {
		if r.Success {
			completed++
			outputs = append(outputs, r.Result)
		} else {
			failed++
		}
	}

	res := &JobResult{
		JobID:      job.ID,
		Swarm:      sw.Name,
		TotalItems: len(items),
		Completed:  completed,
		Failed:     failed,
		Total:      len(batches),
		Results:    results,
	}

	switch {
	case failed == 0:
		res.Status = store.JobCompleted
	case completed == 0:
		res.Status = store.JobFailed
		res.Error = fmt.Sprintf("all %d batches failed", failed)
	default:
		res.Status = store.JobPartial
		res.Error = fmt.Sprintf("%d of %d batches failed", failed, len(batches))
	}

	if len(outputs) > 0 {
		reducer := NewReducer(ReduceOptions{
			SwarmID:     sw.Name,
			JobID:       job.ID,
			WorkerID:    sw.ReduceAgent(),
			Prompt:      sw.Reduce.Prompt,
			UserMessage: req.Message,
			FanIn:       defaults.FanIn,
			GroupLimit:  sw.Concurrency,
			Invoker:     c.invoker,
			Sink:        c.sink,
		})
		res.Output = reducer.Reduce(ctx, sw.Reduce.Strategy, outputs)
	}
	res.Duration = time.Since(start)

	c.recordBatches(job.ID, batches, results)
	c.recordFinish(job.ID, res.Status, completed, failed, res.Output, res.Error)

	c.emit(telemetry.JobDone, sw.Name, job.ID, map[string]any{
		"status":        res.Status,
		"completed":     completed,
		"failed":        failed,
		"total":         len(batches),
		"result_length": len(res.Output),
		"duration":      res.Duration.Milliseconds(),
	})
	slog.Info("swarm job finished", "swarm", sw.Name, "job", job.ID, "status", res.Status,
		"completed", completed, "failed", failed, "duration", res.Duration)

	return res, nil
}

// progressReporter emits a progress event every ProgressInterval terminal
// batches and once more when the last batch finishes.
func (c *Coordinator) progressReporter(sw config.SwarmConfig, jobID string) func(BatchResult, Progress) {
	interval := sw.ProgressInterval
	return func(_ BatchResult, p Progress) {
		done := p.Completed + p.Failed
		if done%interval != 0 && done != p.Total {
			return
		}
		slog.Info("swarm progress", "swarm", sw.Name, "job", jobID,
			"completed", p.Completed, "failed", p.Failed, "total", p.Total)
		c.emit(telemetry.Progress, sw.Name, jobID, map[string]any{
			"completed": p.Completed,
			"failed":    p.Failed,
			"total":     p.Total,
		})
	}
}

func (c *Coordinator) emit(eventType, swarmID, jobID string, data map[string]any) {
	c.sink.Emit(telemetry.New(eventType, swarmID, jobID, data))
}

func (c *Coordinator) recordStart(job *store.SwarmJob) {
	if c.jobs == nil {
		return
	}
	if err := c.jobs.SaveJob(job); err != nil {
		slog.Warn("record swarm job failed", "job", job.ID, "error", err)
	}
}

func (c *Coordinator) recordFinish(id, status string, completed, failed int, output, errText string) {
	if c.jobs == nil {
		return
	}
	if err := c.jobs.FinishJob(id, status, completed, failed, output, errText); err != nil {
		slog.Warn("record swarm job result failed", "job", id, "error", err)
	}
}

func (c *Coordinator) recordBatches(jobID string, batches []*Batch, results []BatchResult) {
	if c.jobs == nil {
		return
	}
	records := make([]store.BatchRecord, len(results))
	for i, r := range results {
		records[i] = store.BatchRecord{
			BatchIndex: r.BatchIndex,
			ItemCount:  len(batches[i].Items),
			Success:    r.Success,
			Result:     r.Result,
			Error:      r.Error,
			Retries:    batches[i].Retries,
			DurationMs: r.Duration,
		}
	}
	if err := c.jobs.SaveBatchResults(jobID, records); err != nil {
		slog.Warn("record batch results failed", "job", jobID, "error", err)
	}
}

// messageItems resolves items from the message alone: an inline array, or
// one item per line.
type messageItems struct{}

func (messageItems) Resolve(_ context.Context, _ config.SwarmConfig, message string, _ []File) ([]string, error) {
	if items, ok := ExtractInline(message); ok {
		return items, nil
	}
	if lines := MessageLines(message); len(lines) > 1 {
		return lines, nil
	}
	return nil, ErrNoItems
}
