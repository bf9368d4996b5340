package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
)

func newTestClient(t *testing.T) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// startServer runs srv until the test ends.
func startServer(t *testing.T, client *natsbus.Client, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	// Make sure the subscription reached the server before requests go out.
	time.Sleep(50 * time.Millisecond)
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func request(t *testing.T, client *natsbus.Client, workerID string, req natsbus.WorkRequest) natsbus.WorkResponse {
	t.Helper()
	data, _ := json.Marshal(req)
	msg, err := client.Request(natsbus.TopicAgentInput(workerID), data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp natsbus.WorkResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestServerAnswersRequests(t *testing.T) {
	client := newTestClient(t)
	srv := NewServer("echo", client, HandlerFunc(func(_ context.Context, req natsbus.WorkRequest) (string, error) {
		return strings.ToUpper(req.Prompt), nil
	}), 2)
	startServer(t, client, srv)

	resp := request(t, client, "echo", natsbus.WorkRequest{WorkerID: "echo", Prompt: "hello"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Output != "HELLO" {
		t.Errorf("expected HELLO, got %q", resp.Output)
	}
}

func TestServerReportsHandlerErrors(t *testing.T) {
	client := newTestClient(t)
	srv := NewServer("broken", client, HandlerFunc(func(context.Context, natsbus.WorkRequest) (string, error) {
		return "", errors.New("model unavailable")
	}), 1)
	startServer(t, client, srv)

	resp := request(t, client, "broken", natsbus.WorkRequest{Prompt: "x"})
	if resp.Error != "model unavailable" {
		t.Errorf("expected handler error, got %+v", resp)
	}
}

func TestServerRecoversPanics(t *testing.T) {
	client := newTestClient(t)
	srv := NewServer("panicky", client, HandlerFunc(func(context.Context, natsbus.WorkRequest) (string, error) {
		panic("bad state")
	}), 1)
	startServer(t, client, srv)

	resp := request(t, client, "panicky", natsbus.WorkRequest{Prompt: "x"})
	if !strings.Contains(resp.Error, "bad state") {
		t.Errorf("expected panic message in error, got %+v", resp)
	}
}

func TestServerBoundsConcurrency(t *testing.T) {
	client := newTestClient(t)

	var inFlight, peak atomic.Int64
	srv := NewServer("slow", client, HandlerFunc(func(context.Context, natsbus.WorkRequest) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}), 2)
	startServer(t, client, srv)

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			request(t, client, "slow", natsbus.WorkRequest{Prompt: "x"})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("expected at most 2 concurrent requests, saw %d", got)
	}
}

func TestCommandHandler(t *testing.T) {
	h := CommandHandler{Command: `printf '%s|%s|' "$SWARMER_JOB_ID" "$SWARMER_BATCH_INDEX"; tr a-z A-Z`}
	out, err := h.Handle(context.Background(), natsbus.WorkRequest{
		WorkerID:   "upper",
		Prompt:     "items here\n",
		JobID:      "job-7",
		BatchIndex: 3,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if out != "job-7|3|ITEMS HERE" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestNewCommandServerRequiresCommand(t *testing.T) {
	if _, err := NewCommandServer("w", nil, config.WorkerDefinition{}); err == nil {
		t.Error("expected error for worker without command")
	}
}
