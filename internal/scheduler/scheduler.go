package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/schedule"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/swarm"
)

// Schedule run statuses.
const (
	StatusSubmitted = "submitted"
	StatusError     = "error"
)

// Submitter starts a swarm job in the background.
type Submitter interface {
	Submit(ctx context.Context, req swarm.JobRequest) (string, error)
}

// Scheduler submits swarms that declare a schedule whenever they are due.
// Next run times live in the store so a restart picks up where it left.
type Scheduler struct {
	store  *store.Store
	submit Submitter

	mu           sync.Mutex
	pollInterval time.Duration
	swarms       map[string]config.SwarmConfig
	reloadCh     chan struct{}

	now func() time.Time
}

func New(s *store.Store, submit Submitter, cfg config.SchedulerConfig, swarms map[string]config.SwarmConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		submit:       submit,
		pollInterval: cfg.PollInterval,
		swarms:       swarms,
		reloadCh:     make(chan struct{}, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Sync writes the schedule of every scheduled swarm to the store and drops
// schedules of swarms that no longer have one.
func (s *Scheduler) Sync() error {
	s.mu.Lock()
	swarms := s.swarms
	s.mu.Unlock()

	now := s.now()
	names := make([]string, 0, len(swarms))
	for name, sw := range swarms {
		if sw.Schedule == "" {
			continue
		}
		names = append(names, name)
		if err := s.store.SaveSchedule(&store.SwarmSchedule{
			Swarm:     name,
			Schedule:  sw.Schedule,
			NextRunAt: nextRun(sw.Schedule, now),
		}); err != nil {
			return err
		}
	}
	sort.Strings(names)
	return s.store.DeleteSchedulesNotIn(names)
}

// UpdateSwarms replaces the swarm definitions and resyncs the schedules.
func (s *Scheduler) UpdateSwarms(swarms map[string]config.SwarmConfig) {
	s.mu.Lock()
	s.swarms = swarms
	s.mu.Unlock()
	if err := s.Sync(); err != nil {
		slog.Error("sync swarm schedules failed", "error", err)
	}
}

// UpdateConfig updates the poll interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = 30 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	if err := s.Sync(); err != nil {
		slog.Error("sync swarm schedules failed", "error", err)
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sc := range due {
		s.execute(ctx, sc)
	}
}

func (s *Scheduler) execute(ctx context.Context, sc store.SwarmSchedule) {
	s.mu.Lock()
	sw, ok := s.swarms[sc.Swarm]
	s.mu.Unlock()
	if !ok || sw.Schedule == "" {
		slog.Warn("scheduled swarm no longer exists", "swarm", sc.Swarm)
		return
	}

	slog.Info("submitting scheduled swarm", "swarm", sc.Swarm, "schedule", schedule.Describe(sw.Schedule))

	status, errText := StatusSubmitted, ""
	jobID, err := s.submit.Submit(ctx, swarm.JobRequest{Swarm: sc.Swarm, Message: sw.Message})
	if err != nil {
		status, errText = StatusError, err.Error()
		slog.Error("scheduled swarm submit failed", "swarm", sc.Swarm, "error", err)
	}

	next := nextRun(sw.Schedule, s.now())
	if err := s.store.UpdateScheduleRun(sc.Swarm, jobID, status, errText, next); err != nil {
		slog.Error("failed to update schedule run", "swarm", sc.Swarm, "error", err)
	}
}

func nextRun(expr string, after time.Time) *time.Time {
	next := schedule.NextRun(expr, after)
	if next == nil {
		return nil
	}
	t := next.UTC().Truncate(time.Second)
	return &t
}
