package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/swarmer/internal/natsbus"
)

// MessageRouter picks the swarm for a free-form message and returns the
// message with any routing prefix removed.
type MessageRouter interface {
	Route(ctx context.Context, message string) (swarm string, cleaned string, err error)
}

// Subscriber is the subset of the bus client used by the intake.
type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

// Serve accepts submissions on swarm.submit and swarm.<name>.run until ctx
// is done. Requests with Wait set are answered with the final result.
func (c *Coordinator) Serve(ctx context.Context, client Subscriber) error {
	submitSub, err := client.Subscribe(natsbus.TopicSwarmSubmit, func(msg *nats.Msg) {
		c.handleSubmit(ctx, msg, "")
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicSwarmSubmit, err)
	}
	runSub, err := client.Subscribe(natsbus.TopicSwarmRunAll, func(msg *nats.Msg) {
		c.handleSubmit(ctx, msg, swarmFromSubject(msg.Subject))
	})
	if err != nil {
		_ = submitSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicSwarmRunAll, err)
	}

	slog.Info("swarm intake listening", "topics", []string{natsbus.TopicSwarmSubmit, natsbus.TopicSwarmRunAll})
	<-ctx.Done()

	for _, sub := range []*nats.Subscription{submitSub, runSub} {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("intake unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	return nil
}

// Route picks a swarm for a message that names none.
func (c *Coordinator) Route(ctx context.Context, message string) (string, string, error) {
	if c.router == nil {
		return "", "", errors.New("no swarm given and no router configured")
	}
	name, cleaned, err := c.router.Route(ctx, message)
	if err != nil {
		return "", "", fmt.Errorf("route message: %w", err)
	}
	return name, cleaned, nil
}

// handleSubmit runs on the subscription goroutine; waiting submissions are
// moved off it so the intake keeps accepting.
func (c *Coordinator) handleSubmit(ctx context.Context, msg *nats.Msg, swarmName string) {
	req, err := decodeSubmit(msg.Data)
	if err != nil {
		respond(msg, natsbus.SubmitResponse{Error: err.Error()})
		return
	}
	if swarmName != "" {
		req.Swarm = swarmName
	}

	message := req.Message
	if req.Swarm == "" {
		req.Swarm, message, err = c.Route(ctx, req.Message)
		if err != nil {
			respond(msg, natsbus.SubmitResponse{Error: err.Error()})
			return
		}
	}

	job := JobRequest{Swarm: req.Swarm, Message: message}
	for _, f := range req.Files {
		job.Files = append(job.Files, File{Name: f.Name, Content: f.Content})
	}

	if !req.Wait {
		id, err := c.Submit(ctx, job)
		if err != nil {
			respond(msg, natsbus.SubmitResponse{Swarm: req.Swarm, Error: err.Error()})
			return
		}
		slog.Info("swarm job submitted", "swarm", req.Swarm, "job", id)
		respond(msg, natsbus.SubmitResponse{JobID: id, Swarm: req.Swarm, Status: "running"})
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.Run(context.WithoutCancel(ctx), job)
		if err != nil {
			respond(msg, natsbus.SubmitResponse{Swarm: req.Swarm, Status: "failed", Error: err.Error()})
			return
		}
		respond(msg, natsbus.SubmitResponse{
			JobID:     res.JobID,
			Swarm:     res.Swarm,
			Status:    res.Status,
			Completed: res.Completed,
			Failed:    res.Failed,
			Total:     res.Total,
			Output:    res.Output,
			Error:     res.Error,
		})
	}()
}

// decodeSubmit accepts a JSON SubmitRequest or plain message text.
func decodeSubmit(data []byte) (natsbus.SubmitRequest, error) {
	var req natsbus.SubmitRequest
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("decode submit request: %w", err)
		}
	} else {
		req.Message = trimmed
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Files) == 0 {
		return req, errors.New("empty submission")
	}
	return req, nil
}

// swarmFromSubject extracts <name> from swarm.<name>.run.
func swarmFromSubject(subject string) string {
	name := strings.TrimPrefix(subject, "swarm.")
	return strings.TrimSuffix(name, ".run")
}

func respond(msg *nats.Msg, resp natsbus.SubmitResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal submit response failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Debug("respond failed", "subject", msg.Subject, "error", err)
	}
}
