package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInput(workerID string) string {
	return fmt.Sprintf("agent.%s.input", workerID)
}

// QueueWorkers is the queue group shared by every process serving a worker.
func QueueWorkers(workerID string) string {
	return fmt.Sprintf("workers.%s", workerID)
}

func TopicSwarmRun(swarm string) string {
	return fmt.Sprintf("swarm.%s.run", swarm)
}

func TopicEventsSwarmJob(jobID string) string {
	return fmt.Sprintf("events.swarm.%s", jobID)
}

const (
	TopicSwarmSubmit = "swarm.submit"
	TopicSwarmRunAll = "swarm.*.run"
	TopicEventsAll   = "events.>"
	TopicEventsSwarm = "events.swarm.*"
)
