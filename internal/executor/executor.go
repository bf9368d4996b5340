// Package executor invokes workers over NATS request/reply.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/swarm"
)

const defaultTimeout = 15 * time.Minute

// Requester is the part of the bus client the executor needs.
type Requester interface {
	RequestContext(ctx context.Context, topic string, data []byte) (*nats.Msg, error)
}

// WorkerResolver looks up worker definitions.
type WorkerResolver interface {
	Resolve(id string) (config.WorkerDefinition, error)
}

// Executor implements swarm.Invoker. Every call is bounded by the
// configured timeout.
type Executor struct {
	client  Requester
	workers WorkerResolver
	timeout time.Duration
}

func New(client Requester, workers WorkerResolver, cfg config.ExecutorConfig) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{client: client, workers: workers, timeout: timeout}
}

func (e *Executor) Invoke(ctx context.Context, inv swarm.Invocation) (string, error) {
	req := natsbus.WorkRequest{
		WorkerID:     inv.WorkerID,
		Prompt:       inv.Prompt,
		FreshContext: inv.FreshContext,
		SwarmID:      inv.SwarmID,
		JobID:        inv.JobID,
		BatchIndex:   inv.BatchIndex,
	}
	if e.workers != nil {
		def, err := e.workers.Resolve(inv.WorkerID)
		if err != nil {
			return "", err
		}
		req.Model = def.Model
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal work request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := e.client.RequestContext(ctx, natsbus.TopicAgentInput(inv.WorkerID), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return "", fmt.Errorf("no %s worker is listening: %w", inv.WorkerID, err)
		}
		return "", fmt.Errorf("invoke worker %s: %w", inv.WorkerID, err)
	}

	var resp natsbus.WorkResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return "", fmt.Errorf("decode worker response: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Output, nil
}

// Classifier asks a fixed worker to pick a swarm for a message.
type Classifier struct {
	exec     *Executor
	workerID string
}

func NewClassifier(exec *Executor, workerID string) *Classifier {
	return &Classifier{exec: exec, workerID: workerID}
}

func (c *Classifier) Classify(ctx context.Context, prompt string) (string, error) {
	return c.exec.Invoke(ctx, swarm.Invocation{
		WorkerID:     c.workerID,
		Prompt:       prompt,
		FreshContext: true,
		BatchIndex:   -1,
	})
}
