package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
)

type countSink struct {
	mu sync.Mutex
	n  int
}

func (c *countSink) Emit(Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countSink{}, &countSink{}
	m := Multi{a, nil, b, Nop(), LogSink{}}
	m.Emit(New(PoolStart, "s", "j", nil))
	m.Emit(New(PoolDone, "s", "j", map[string]any{"completed": 1}))

	if a.n != 2 || b.n != 2 {
		t.Errorf("expected both sinks to see 2 events, got %d and %d", a.n, b.n)
	}
}

func TestNewStampsUTC(t *testing.T) {
	e := New(BatchDone, "s", "j", map[string]any{"success": true})
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %s", e.Timestamp.Location())
	}
	if e.Type != BatchDone || e.SwarmID != "s" || e.JobID != "j" {
		t.Errorf("unexpected event: %+v", e)
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) PublishJSON(string, any) error {
	p.calls++
	return errors.New("connection closed")
}

func TestNATSSinkSwallowsErrors(t *testing.T) {
	pub := &failingPublisher{}
	NewNATSSink(pub).Emit(New(PoolStart, "s", "j", nil))
	if pub.calls != 1 {
		t.Errorf("expected 1 publish attempt, got %d", pub.calls)
	}

	// A sink without a publisher drops events.
	NewNATSSink(nil).Emit(New(PoolStart, "s", "j", nil))
}

func TestNATSSinkPublishes(t *testing.T) {
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

	received := make(chan *nats.Msg, 1)
	if _, err := client.Subscribe(natsbus.TopicEventsSwarm, func(msg *nats.Msg) {
		received <- msg
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	NewNATSSink(client).Emit(New(JobDone, "review", "job-7", map[string]any{"status": "completed"}))
	client.Flush()

	select {
	case msg := <-received:
		if msg.Subject != "events.swarm.job-7" {
			t.Errorf("unexpected subject %s", msg.Subject)
		}
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if e.Type != JobDone || e.SwarmID != "review" || e.Data["status"] != "completed" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMetricsSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsSink(reg, "swarmer")

	m.Emit(New(PoolStart, "review", "j", nil))
	m.Emit(New(BatchStart, "review", "j", nil))
	m.Emit(New(BatchStart, "review", "j", nil))
	m.Emit(New(BatchDone, "review", "j", map[string]any{"success": true, "duration": int64(1500)}))
	m.Emit(New(BatchDone, "review", "j", map[string]any{"success": false, "duration": int64(200)}))
	m.Emit(New(ReduceDone, "review", "j", map[string]any{"strategy": "summarize", "result_length": 4200}))

	if got := testutil.ToFloat64(m.poolsRunning.WithLabelValues("review")); got != 1 {
		t.Errorf("expected 1 running pool, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchAttempts.WithLabelValues("review")); got != 2 {
		t.Errorf("expected 2 attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchesTotal.WithLabelValues("review", "completed")); got != 1 {
		t.Errorf("expected 1 completed batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchesTotal.WithLabelValues("review", "failed")); got != 1 {
		t.Errorf("expected 1 failed batch, got %v", got)
	}
	if got := testutil.ToFloat64(m.reductions.WithLabelValues("review", "summarize")); got != 1 {
		t.Errorf("expected 1 reduction, got %v", got)
	}

	m.Emit(New(PoolDone, "review", "j", nil))
	if got := testutil.ToFloat64(m.poolsRunning.WithLabelValues("review")); got != 0 {
		t.Errorf("expected no running pools, got %v", got)
	}

	expected := `
# HELP swarmer_batch_attempts_total Total number of batch attempts dispatched to workers
# TYPE swarmer_batch_attempts_total counter
swarmer_batch_attempts_total{swarm="review"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "swarmer_batch_attempts_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		in   any
		want int64
	}{
		{int(3), 3},
		{int64(4), 4},
		{float64(5.9), 5},
		{"7", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := toInt64(tt.in); got != tt.want {
			t.Errorf("toInt64(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
