// Package worker serves a worker id on the bus: it answers work requests
// from the executor, running each prompt through a Handler.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/shell"
)

const defaultConcurrency = 4

// Handler does the actual work for one request.
type Handler interface {
	Handle(ctx context.Context, req natsbus.WorkRequest) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req natsbus.WorkRequest) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, req natsbus.WorkRequest) (string, error) {
	return f(ctx, req)
}

// CommandHandler pipes the prompt into a shell command and returns its
// stdout. Request metadata is exported as environment variables.
type CommandHandler struct {
	Runner  shell.Runner
	Command string
}

func (h CommandHandler) Handle(ctx context.Context, req natsbus.WorkRequest) (string, error) {
	runner := h.Runner
	if runner == nil {
		runner = shell.Sh{}
	}
	env := map[string]string{
		"SWARMER_WORKER":        req.WorkerID,
		"SWARMER_MODEL":         req.Model,
		"SWARMER_SWARM":         req.SwarmID,
		"SWARMER_JOB_ID":        req.JobID,
		"SWARMER_BATCH_INDEX":   strconv.Itoa(req.BatchIndex),
		"SWARMER_FRESH_CONTEXT": strconv.FormatBool(req.FreshContext),
	}
	out, err := runner.Run(ctx, h.Command, strings.NewReader(req.Prompt), env)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Subscriber is the part of the bus client a Server needs.
type Subscriber interface {
	QueueSubscribe(topic, queue string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

type Server struct {
	id      string
	client  Subscriber
	handler Handler
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
}

func NewServer(id string, client Subscriber, handler Handler, concurrency int) *Server {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Server{
		id:      id,
		client:  client,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(concurrency)),
	}
}

// NewCommandServer builds a server for a worker definition with a command.
func NewCommandServer(id string, client Subscriber, def config.WorkerDefinition) (*Server, error) {
	if def.Command == "" {
		return nil, fmt.Errorf("worker %s has no command", id)
	}
	return NewServer(id, client, CommandHandler{Command: def.Command}, def.Concurrency), nil
}

// Serve answers requests until ctx is done, then waits for in-flight
// requests to finish.
func (s *Server) Serve(ctx context.Context) error {
	sub, err := s.client.QueueSubscribe(natsbus.TopicAgentInput(s.id), natsbus.QueueWorkers(s.id), func(msg *nats.Msg) {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.reply(msg, natsbus.WorkResponse{Error: "worker shutting down"})
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(context.WithoutCancel(ctx), msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe worker %s: %w", s.id, err)
	}

	slog.Info("worker serving", "worker", s.id)
	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		slog.Debug("worker unsubscribe failed", "worker", s.id, "error", err)
	}
	s.wg.Wait()
	slog.Info("worker stopped", "worker", s.id)
	return nil
}

func (s *Server) handle(ctx context.Context, msg *nats.Msg) {
	var req natsbus.WorkRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, natsbus.WorkResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	start := time.Now()
	out, err := s.safeHandle(ctx, req)
	if err != nil {
		slog.Warn("work request failed", "worker", s.id, "job", req.JobID, "batch", req.BatchIndex,
			"duration", time.Since(start), "error", err)
		s.reply(msg, natsbus.WorkResponse{Error: err.Error()})
		return
	}

	slog.Debug("work request done", "worker", s.id, "job", req.JobID, "batch", req.BatchIndex,
		"duration", time.Since(start), "bytes", len(out))
	s.reply(msg, natsbus.WorkResponse{Output: out})
}

func (s *Server) safeHandle(ctx context.Context, req natsbus.WorkRequest) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler.Handle(ctx, req)
}

func (s *Server) reply(msg *nats.Msg, resp natsbus.WorkResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal work response failed", "worker", s.id, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Debug("respond failed", "worker", s.id, "error", err)
	}
}
