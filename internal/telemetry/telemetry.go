// Package telemetry carries swarm lifecycle events to fire-and-forget sinks.
package telemetry

import (
	"log/slog"
	"time"
)

// Event types.
const (
	PoolStart   = "swarm_pool_start"
	BatchStart  = "swarm_batch_start"
	BatchDone   = "swarm_batch_done"
	PoolDone    = "swarm_pool_done"
	ReduceStart = "swarm_reduce_start"
	ReduceDone  = "swarm_reduce_done"
	Progress    = "swarm_progress"
	JobDone     = "swarm_job_done"
)

type Event struct {
	Type      string         `json:"type"`
	SwarmID   string         `json:"swarm_id"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Sink receives events. Emit must not block the caller for long and must
// not panic; delivery failures are the sink's problem.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop returns a sink that drops everything.
func Nop() Sink { return nopSink{} }

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events at debug level.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	args := []any{"type", e.Type, "swarm", e.SwarmID, "job", e.JobID}
	for k, v := range e.Data {
		args = append(args, k, v)
	}
	slog.Debug("swarm event", args...)
}

// New builds an event stamped with the current time.
func New(eventType, swarmID, jobID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		SwarmID:   swarmID,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
