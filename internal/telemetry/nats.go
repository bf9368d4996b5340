package telemetry

import (
	"log/slog"

	"github.com/mtzanidakis/swarmer/internal/natsbus"
)

// Publisher is the subset of the bus client used for events.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// NATSSink publishes every event on events.swarm.<job>.
type NATSSink struct {
	pub Publisher
}

func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) Emit(e Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishJSON(natsbus.TopicEventsSwarmJob(e.JobID), e); err != nil {
		slog.Debug("publish swarm event failed", "type", e.Type, "error", err)
	}
}
