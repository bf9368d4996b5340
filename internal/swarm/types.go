package swarm

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownSwarm = errors.New("unknown swarm")
	ErrNoItems      = errors.New("no input items")
)

type BatchStatus string

const (
	StatusPending    BatchStatus = "pending"
	StatusProcessing BatchStatus = "processing"
	StatusCompleted  BatchStatus = "completed"
	StatusFailed     BatchStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Batch is a contiguous slice of input items. The pool mutates it in place.
type Batch struct {
	Index     int         `json:"index"`
	Items     []string    `json:"items"`
	Status    BatchStatus `json:"status"`
	Result    string      `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartTime time.Time   `json:"start_time,omitzero"`
	EndTime   time.Time   `json:"end_time,omitzero"`
	Retries   int         `json:"retries"`
}

// BatchResult is the immutable outcome of one batch, stored at
// results[BatchIndex].
type BatchResult struct {
	BatchIndex int    `json:"batch_index"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Duration   int64  `json:"duration_ms"`
}

// Progress is a snapshot of pool counters.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Invocation is a single stateless call into a worker.
type Invocation struct {
	WorkerID     string
	Prompt       string
	FreshContext bool
	SwarmID      string
	JobID        string
	// BatchIndex is -1 for reduction passes.
	BatchIndex int
}

// Invoker runs the actual work for a batch or a reduction pass. It fails
// with an error carrying a human-readable message.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (string, error) {
	return f(ctx, inv)
}

// File is an attachment whose content is parsed into items.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
