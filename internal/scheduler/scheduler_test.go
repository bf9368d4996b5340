package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/swarm"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []swarm.JobRequest
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req swarm.JobRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "job-" + req.Swarm, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

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
		"nightly": {Agent: "w", Schedule: "0 2 * * *", Message: "audit everything"},
		"hourly":  {Agent: "w", Schedule: "every 1h", Message: "check feeds"},
		"manual":  {Agent: "w"},
	}
}

func newTestScheduler(t *testing.T, sub Submitter, now time.Time) (*Scheduler, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	sched := New(s, sub, config.SchedulerConfig{PollInterval: time.Second}, testSwarms())
	sched.now = func() time.Time { return now }
	return sched, s
}

func TestSyncWritesSchedules(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	sched, s := newTestScheduler(t, &fakeSubmitter{}, now)

	if err := sched.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	all, err := s.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(all))
	}

	nightly, _ := s.GetSchedule("nightly")
	want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	if nightly.NextRunAt == nil || !nightly.NextRunAt.Equal(want) {
		t.Errorf("expected nightly next run %s, got %v", want, nightly.NextRunAt)
	}

	hourly, _ := s.GetSchedule("hourly")
	if hourly.NextRunAt == nil || !hourly.NextRunAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expected hourly next run an hour out, got %v", hourly.NextRunAt)
	}

	// Dropping the schedule removes the row.
	swarms := testSwarms()
	delete(swarms, "hourly")
	sched.UpdateSwarms(swarms)
	all, _ = s.ListSchedules()
	if len(all) != 1 || all[0].Swarm != "nightly" {
		t.Errorf("expected only nightly left, got %+v", all)
	}
}

func TestPollSubmitsDueSwarms(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	sub := &fakeSubmitter{}
	sched, s := newTestScheduler(t, sub, now)

	if err := sched.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Nothing is due yet.
	sched.poll(context.Background())
	if sub.count() != 0 {
		t.Fatalf("expected no submissions, got %d", sub.count())
	}

	later := now.Add(61 * time.Minute)
	sched.now = func() time.Time { return later }
	sched.poll(context.Background())

	if sub.count() != 1 {
		t.Fatalf("expected 1 submission, got %d", sub.count())
	}
	if sub.reqs[0].Swarm != "hourly" || sub.reqs[0].Message != "check feeds" {
		t.Errorf("unexpected request: %+v", sub.reqs[0])
	}

	hourly, _ := s.GetSchedule("hourly")
	if hourly.LastJobID != "job-hourly" || hourly.LastStatus != StatusSubmitted {
		t.Errorf("unexpected schedule after run: %+v", hourly)
	}
	if hourly.NextRunAt == nil || !hourly.NextRunAt.Equal(later.Add(time.Hour)) {
		t.Errorf("expected next run rescheduled from the run time, got %v", hourly.NextRunAt)
	}

	// The same poll again does not resubmit.
	sched.poll(context.Background())
	if sub.count() != 1 {
		t.Errorf("expected no resubmission, got %d", sub.count())
	}
}

func TestPollRecordsSubmitErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	sub := &fakeSubmitter{err: errors.New("unknown swarm: hourly")}
	sched, s := newTestScheduler(t, sub, now)
	_ = sched.Sync()

	sched.now = func() time.Time { return now.Add(2 * time.Hour) }
	sched.poll(context.Background())

	hourly, _ := s.GetSchedule("hourly")
	if hourly.LastStatus != StatusError || hourly.LastError != "unknown swarm: hourly" {
		t.Errorf("expected error recorded, got %+v", hourly)
	}
	if hourly.NextRunAt == nil {
		t.Error("expected next run to still be scheduled")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeSubmitter{}, time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	sched.UpdateConfig(config.SchedulerConfig{PollInterval: 2 * time.Second})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
