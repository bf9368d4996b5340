package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

const (
	// maxSummarizeTokens bounds a single summarization pass; larger inputs
	// go through hierarchical reduction.
	maxSummarizeTokens = 150000

	resultDivider = "\n\n---\n\n"

	defaultReduceInstruction = "Synthesize the following batch results into a single cohesive response. " +
		"Merge duplicate findings and keep every distinct one."
)

// ReduceOptions configures a Reducer.
type ReduceOptions struct {
	SwarmID string
	JobID   string
	// WorkerID runs summarization passes.
	WorkerID    string
	Prompt      string
	UserMessage string
	FanIn       int
	// GroupLimit caps concurrent group passes within a level. Zero means
	// no limit.
	GroupLimit int

	Invoker Invoker
	Sink    telemetry.Sink
}

// Reducer folds ordered batch outputs into one final output.
type Reducer struct {
	opts ReduceOptions
}

func NewReducer(opts ReduceOptions) *Reducer {
	if opts.FanIn < 2 {
		opts.FanIn = config.DefaultFanIn
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop()
	}
	return &Reducer{opts: opts}
}

// Reduce applies strategy to results. Unknown strategies concatenate.
func (r *Reducer) Reduce(ctx context.Context, strategy string, results []string) string {
	if strategy == "" {
		strategy = config.ReduceConcatenate
	}
	r.emit(telemetry.ReduceStart, map[string]any{
		"strategy":    strategy,
		"batch_count": len(results),
	})

	var out string
	switch strategy {
	case config.ReduceSummarize:
		out = r.Summarize(ctx, results)
	case config.ReduceHierarchical:
		out = r.Hierarchical(ctx, results)
	case config.ReduceConcatenate:
		out = Concatenate(results)
	default:
		slog.Warn("unknown reduce strategy, concatenating", "swarm", r.opts.SwarmID, "strategy", strategy)
		out = Concatenate(results)
	}

	r.emit(telemetry.ReduceDone, map[string]any{
		"strategy":      strategy,
		"result_length": len(out),
	})
	return out
}

// Concatenate joins results under "Batch i of N" headings. A single result
// is returned untouched.
func Concatenate(results []string) string {
	switch len(results) {
	case 0:
		return ""
	case 1:
		return results[0]
	}
	parts := make([]string, len(results))
	for i, res := range results {
		parts[i] = fmt.Sprintf("## Batch %d of %d\n\n%s", i+1, len(results), res)
	}
	return strings.Join(parts, resultDivider)
}

// Summarize runs one reduction pass over all results, handing oversized
// inputs to Hierarchical. A failed pass yields the plain concatenation.
func (r *Reducer) Summarize(ctx context.Context, results []string) string {
	if len(results) == 0 {
		return ""
	}
	if estimateTokens(Concatenate(results)) > maxSummarizeTokens {
		slog.Info("reduce input too large for one pass, reducing hierarchically",
			"swarm", r.opts.SwarmID, "job", r.opts.JobID, "results", len(results))
		return r.Hierarchical(ctx, results)
	}
	return r.summarizePass(ctx, results, topLevelContext(len(results)))
}

// Hierarchical reduces results level by level in groups of at most FanIn.
// Every group of a level finishes before the next level starts. Inputs too
// large for one pass are halved even when they fit within FanIn; a single
// oversized result still gets one pass.
func (r *Reducer) Hierarchical(ctx context.Context, results []string) string {
	if len(results) == 0 {
		return ""
	}

	current := results
	for level := 1; r.needsLevel(current); level++ {
		size := r.opts.FanIn
		if len(current) <= size {
			size = (len(current) + 1) / 2
		}
		groups := chunk(current, size)
		summaries := make([]string, len(groups))

		slog.Info("reduction level starting", "swarm", r.opts.SwarmID, "job", r.opts.JobID,
			"level", level, "inputs", len(current), "groups", len(groups))

		var g errgroup.Group
		if r.opts.GroupLimit > 0 {
			g.SetLimit(r.opts.GroupLimit)
		}
		for i, group := range groups {
			g.Go(func() error {
				summaries[i] = r.summarizePass(ctx, group, groupContext(i+1, len(groups), level, len(group)))
				return nil
			})
		}
		_ = g.Wait()

		current = summaries
	}

	return r.summarizePass(ctx, current, topLevelContext(len(current)))
}

func (r *Reducer) needsLevel(results []string) bool {
	if len(results) > r.opts.FanIn {
		return true
	}
	return len(results) > 1 && estimateTokens(Concatenate(results)) > maxSummarizeTokens
}

// summarizePass makes exactly one reduce invocation and never recurses.
func (r *Reducer) summarizePass(ctx context.Context, results []string, contextLine string) string {
	combined := Concatenate(results)
	prompt := buildReducePrompt(r.opts.Prompt, contextLine, r.opts.UserMessage, combined)

	out, err := invokeSafely(ctx, r.opts.Invoker, Invocation{
		WorkerID:     r.opts.WorkerID,
		Prompt:       prompt,
		FreshContext: true,
		SwarmID:      r.opts.SwarmID,
		JobID:        r.opts.JobID,
		BatchIndex:   -1,
	})
	if err != nil {
		slog.Warn("reduce pass failed, falling back to concatenation",
			"swarm", r.opts.SwarmID, "job", r.opts.JobID, "results", len(results), "error", err)
		return combined
	}
	return out
}

func (r *Reducer) emit(eventType string, data map[string]any) {
	r.opts.Sink.Emit(telemetry.New(eventType, r.opts.SwarmID, r.opts.JobID, data))
}

func buildReducePrompt(custom, contextLine, task, combined string) string {
	instruction := strings.TrimSpace(custom)
	if instruction == "" {
		instruction = defaultReduceInstruction
	}
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\n")
	b.WriteString(contextLine)
	b.WriteString("\n\nOriginal task: ")
	b.WriteString(task)
	b.WriteString(resultDivider)
	b.WriteString(combined)
	return b.String()
}

func topLevelContext(n int) string {
	return fmt.Sprintf("These are the results from processing %d batch(es).", n)
}

func groupContext(group, totalGroups, level, n int) string {
	return fmt.Sprintf("These are the results from group %d of %d at reduction level %d, containing %d batch results.",
		group, totalGroups, level, n)
}

func estimateTokens(s string) int {
	return len(s) / 4
}

func chunk[T any](items []T, size int) [][]T {
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}
