package natsbus

// WorkRequest asks a worker to process one prompt.
type WorkRequest struct {
	WorkerID     string `json:"worker_id"`
	Model        string `json:"model,omitempty"`
	Prompt       string `json:"prompt"`
	FreshContext bool   `json:"fresh_context"`
	SwarmID      string `json:"swarm_id,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	BatchIndex   int    `json:"batch_index"`
}

// WorkResponse carries either the worker output or its error message.
type WorkResponse struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubmitFile is an attachment sent with a job submission.
type SubmitFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SubmitRequest starts a swarm job. Swarm may be empty on swarm.submit, in
// which case the message is routed.
type SubmitRequest struct {
	Swarm   string       `json:"swarm,omitempty"`
	Message string       `json:"message"`
	Files   []SubmitFile `json:"files,omitempty"`
	// Wait makes the reply carry the final result instead of the job id.
	Wait bool `json:"wait,omitempty"`
}

// SubmitResponse answers a SubmitRequest.
type SubmitResponse struct {
	JobID     string `json:"job_id,omitempty"`
	Swarm     string `json:"swarm,omitempty"`
	Status    string `json:"status,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Total     int    `json:"total,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}
