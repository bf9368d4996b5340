package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSwarms() map[string]config.SwarmConfig {
	return map[string]config.SwarmConfig{
		"review": {
			Agent:            "echo",
			Concurrency:      2,
			BatchSize:        2,
			PromptTemplate:   "{{items}}",
			ProgressInterval: 2,
		},
	}
}

func testDefaults() config.DefaultsConfig {
	return config.DefaultsConfig{MaxRetries: 0, RetryDelay: time.Millisecond, FanIn: config.DefaultFanIn}
}

func newTestCoordinator(t *testing.T, inv Invoker) (*Coordinator, *store.Store, *recordSink) {
	t.Helper()
	s := newTestStore(t)
	sink := &recordSink{}
	c := NewCoordinator(CoordinatorOptions{
		Swarms:   testSwarms(),
		Defaults: testDefaults(),
		Invoker:  inv,
		Jobs:     s,
		Sink:     sink,
	})
	return c, s, sink
}

// failingBatches fails the listed map batches and echoes everything else.
func failingBatches(indexes ...int) Invoker {
	return InvokerFunc(func(_ context.Context, inv Invocation) (string, error) {
		for _, i := range indexes {
			if inv.BatchIndex == i {
				return "", errors.New("worker crashed")
			}
		}
		return inv.Prompt, nil
	})
}

func TestCoordinatorRunCompleted(t *testing.T) {
	c, s, sink := newTestCoordinator(t, echoInvoker())

	res, err := c.Run(context.Background(), JobRequest{
		Swarm:   "review",
		Message: `check ["a", "b", "c", "d", "e"]`,
	})
	require.NoError(t, err)

	assert.Equal(t, store.JobCompleted, res.Status)
	assert.Equal(t, 5, res.TotalItems)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Completed)
	assert.Zero(t, res.Failed)
	assert.Contains(t, res.Output, "## Batch 3 of 3\n\ne")
	assert.NotEmpty(t, res.JobID)

	job, err := s.GetJob(res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.JobCompleted, job.Status)
	assert.Equal(t, 3, job.TotalBatches)
	assert.Equal(t, res.Output, job.Output)

	records, err := s.ListBatchResults(res.JobID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[2].ItemCount)

	// Interval 2 over 3 batches: after the second and after the last.
	progress := sink.ofType(telemetry.Progress)
	require.Len(t, progress, 2)
	assert.Equal(t, 3, progress[1].Data["completed"])

	done := sink.ofType(telemetry.JobDone)
	require.Len(t, done, 1)
	assert.Equal(t, store.JobCompleted, done[0].Data["status"])
}

func TestCoordinatorRunPartial(t *testing.T) {
	c, s, _ := newTestCoordinator(t, failingBatches(1))

	res, err := c.Run(context.Background(), JobRequest{Swarm: "review", Message: "a\nb\nc\nd\ne"})
	require.NoError(t, err)

	assert.Equal(t, store.JobPartial, res.Status)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "1 of 3 batches failed", res.Error)
	// Only successful outputs reach the reducer, in batch order.
	assert.Equal(t, "## Batch 1 of 2\n\na\nb\n\n---\n\n## Batch 2 of 2\n\ne", res.Output)

	records, _ := s.ListBatchResults(res.JobID)
	require.Len(t, records, 3)
	assert.False(t, records[1].Success)
	assert.Equal(t, "worker crashed", records[1].Error)
}

func TestCoordinatorRunAllFailed(t *testing.T) {
	c, s, sink := newTestCoordinator(t, failingBatches(0, 1))

	res, err := c.Run(context.Background(), JobRequest{Swarm: "review", Message: "a\nb\nc"})
	require.NoError(t, err)

	assert.Equal(t, store.JobFailed, res.Status)
	assert.Empty(t, res.Output)
	assert.Empty(t, sink.ofType(telemetry.ReduceStart))

	job, _ := s.GetJob(res.JobID)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Equal(t, "all 2 batches failed", job.Error)
}

func TestCoordinatorPreflightErrors(t *testing.T) {
	c, s, sink := newTestCoordinator(t, echoInvoker())

	_, err := c.Run(context.Background(), JobRequest{Swarm: "missing", Message: "a\nb"})
	assert.ErrorIs(t, err, ErrUnknownSwarm)

	_, err = c.Run(context.Background(), JobRequest{ID: "job-empty", Swarm: "review", Message: "just one line"})
	assert.ErrorIs(t, err, ErrNoItems)

	job, _ := s.GetJob("job-empty")
	require.NotNil(t, job)
	assert.Equal(t, store.JobFailed, job.Status)
	assert.Len(t, sink.ofType(telemetry.JobDone), 1)
	assert.Empty(t, sink.ofType(telemetry.PoolStart))
}

func TestCoordinatorUsesResolver(t *testing.T) {
	var gotFiles []File
	items := resolverFunc(func(_ context.Context, cfg config.SwarmConfig, _ string, files []File) ([]string, error) {
		gotFiles = files
		assert.Equal(t, "review", cfg.Name)
		assert.Equal(t, config.InputLines, cfg.Input.Type)
		return []string{"from-resolver"}, nil
	})
	c := NewCoordinator(CoordinatorOptions{
		Swarms:   testSwarms(),
		Defaults: testDefaults(),
		Invoker:  echoInvoker(),
		Items:    items,
	})

	res, err := c.Run(context.Background(), JobRequest{
		Swarm:   "review",
		Message: "go",
		Files:   []File{{Name: "list.txt", Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-resolver", res.Output)
	assert.Len(t, gotFiles, 1)
}

func TestCoordinatorSubmit(t *testing.T) {
	c, s, _ := newTestCoordinator(t, echoInvoker())

	ctx, cancel := context.WithCancel(context.Background())
	id, err := c.Submit(ctx, JobRequest{Swarm: "review", Message: "a\nb\nc"})
	require.NoError(t, err)
	// The job keeps running after the caller goes away.
	cancel()
	require.NoError(t, c.Wait(context.Background()))

	job, err := s.GetJob(id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, store.JobCompleted, job.Status)

	_, err = c.Submit(context.Background(), JobRequest{Swarm: "missing"})
	assert.ErrorIs(t, err, ErrUnknownSwarm)
}

func TestCoordinatorWaitBounded(t *testing.T) {
	release := make(chan struct{})
	c, _, _ := newTestCoordinator(t, InvokerFunc(func(ctx context.Context, inv Invocation) (string, error) {
		<-release
		return inv.Prompt, nil
	}))

	_, err := c.Submit(context.Background(), JobRequest{Swarm: "review", Message: "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.Wait(context.Background()))
}

func TestCoordinatorUpdate(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoInvoker())
	assert.Equal(t, []string{"review"}, c.Swarms())

	c.Update(map[string]config.SwarmConfig{"audit": {Agent: "echo", PromptTemplate: "{{items}}"}}, testDefaults())
	assert.Equal(t, []string{"audit"}, c.Swarms())

	_, err := c.Run(context.Background(), JobRequest{Swarm: "review", Message: "a\nb"})
	assert.ErrorIs(t, err, ErrUnknownSwarm)

	res, err := c.Run(context.Background(), JobRequest{Swarm: "audit", Message: "a\nb"})
	require.NoError(t, err)
	assert.Equal(t, "audit", res.Swarm)
}

type resolverFunc func(ctx context.Context, cfg config.SwarmConfig, message string, files []File) ([]string, error)

func (f resolverFunc) Resolve(ctx context.Context, cfg config.SwarmConfig, message string, files []File) ([]string, error) {
	return f(ctx, cfg, message, files)
}

type staticRouter struct {
	mu   sync.Mutex
	seen []string
}

func (r *staticRouter) Route(_ context.Context, message string) (string, string, error) {
	r.mu.Lock()
	r.seen = append(r.seen, message)
	r.mu.Unlock()
	return "review", strings.TrimPrefix(message, "@review "), nil
}

func serveIntake(t *testing.T, c *Coordinator) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Serve(ctx, client)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Wait(context.Background())
	})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Flush())
	return client
}

func request(t *testing.T, client *natsbus.Client, topic string, req any) natsbus.SubmitResponse {
	t.Helper()
	var data []byte
	switch v := req.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	msg, err := client.Request(topic, data, 5*time.Second)
	require.NoError(t, err)

	var resp natsbus.SubmitResponse
	require.NoError(t, json.Unmarshal(msg.Data, &resp))
	return resp
}

func TestServeRunTopicWaits(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoInvoker())
	client := serveIntake(t, c)

	resp := request(t, client, natsbus.TopicSwarmRun("review"), natsbus.SubmitRequest{
		Message: "a\nb\nc",
		Wait:    true,
	})
	assert.Empty(t, resp.Error)
	assert.Equal(t, "review", resp.Swarm)
	assert.Equal(t, store.JobCompleted, resp.Status)
	assert.Equal(t, 2, resp.Total)
	assert.Contains(t, resp.Output, "## Batch 2 of 2\n\nc")
}

func TestServeSubmitRoutes(t *testing.T) {
	s := newTestStore(t)
	router := &staticRouter{}
	c := NewCoordinator(CoordinatorOptions{
		Swarms:   testSwarms(),
		Defaults: testDefaults(),
		Invoker:  echoInvoker(),
		Jobs:     s,
		Router:   router,
	})
	client := serveIntake(t, c)

	resp := request(t, client, natsbus.TopicSwarmSubmit, "@review x\ny")
	require.Empty(t, resp.Error)
	assert.Equal(t, "review", resp.Swarm)
	assert.Equal(t, "running", resp.Status)
	require.NotEmpty(t, resp.JobID)

	require.NoError(t, c.Wait(context.Background()))
	job, err := s.GetJob(resp.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "x\ny", job.Message)
	router.mu.Lock()
	assert.Equal(t, []string{"@review x\ny"}, router.seen)
	router.mu.Unlock()
}

func TestServeRejectsBadSubmissions(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoInvoker())
	client := serveIntake(t, c)

	resp := request(t, client, natsbus.TopicSwarmRun("missing"), "a\nb")
	assert.Contains(t, resp.Error, "unknown swarm")

	resp = request(t, client, natsbus.TopicSwarmSubmit, "a\nb")
	assert.Contains(t, resp.Error, "no router")

	resp = request(t, client, natsbus.TopicSwarmRun("review"), "   ")
	assert.Equal(t, "empty submission", resp.Error)

	resp = request(t, client, natsbus.TopicSwarmRun("review"), "{not json")
	assert.Contains(t, resp.Error, "decode submit request")
}

func TestSwarmFromSubject(t *testing.T) {
	assert.Equal(t, "review", swarmFromSubject("swarm.review.run"))
	assert.Equal(t, "nightly-audit", swarmFromSubject(natsbus.TopicSwarmRun("nightly-audit")))
}
