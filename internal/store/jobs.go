package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobPartial   = "partial"
	JobFailed    = "failed"
	JobAbandoned = "abandoned"
)

// SwarmJob is one recorded run of a swarm. Output is kept compressed on
// disk and is only loaded by GetJob.
type SwarmJob struct {
	ID           string     `json:"id"`
	Swarm        string     `json:"swarm"`
	WorkerID     string     `json:"worker_id"`
	Message      string     `json:"message"`
	Strategy     string     `json:"strategy"`
	Status       string     `json:"status"`
	TotalItems   int        `json:"total_items"`
	TotalBatches int        `json:"total_batches"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// BatchRecord is the stored outcome of one batch.
type BatchRecord struct {
	JobID      string `json:"job_id"`
	BatchIndex int    `json:"batch_index"`
	ItemCount  int    `json:"item_count"`
	Success    bool   `json:"success"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Retries    int    `json:"retries"`
	DurationMs int64  `json:"duration_ms"`
}

const jobColumns = `id, swarm, worker_id, message, strategy, status, total_items, total_batches, completed, failed, error, started_at, completed_at`

func scanJob(scanner interface {
	Scan(dest ...any) error
}, extra ...any) (*SwarmJob, error) {
	j := &SwarmJob{}
	var errText sql.NullString
	dest := []any{&j.ID, &j.Swarm, &j.WorkerID, &j.Message, &j.Strategy, &j.Status,
		&j.TotalItems, &j.TotalBatches, &j.Completed, &j.Failed, &errText, &j.StartedAt, &j.CompletedAt}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	j.Error = errText.String
	return j, nil
}

// SaveJob records a job as running.
func (s *Store) SaveJob(j *SwarmJob) error {
	if j.Status == "" {
		j.Status = JobRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO swarm_jobs (id, swarm, worker_id, message, strategy, status, total_items, total_batches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_items = excluded.total_items,
			total_batches = excluded.total_batches`,
		j.ID, j.Swarm, j.WorkerID, j.Message, j.Strategy, j.Status, j.TotalItems, j.TotalBatches)
	if err != nil {
		return fmt.Errorf("save swarm job: %w", err)
	}
	return nil
}

// FinishJob stores the terminal status, counters and final output.
func (s *Store) FinishJob(id, status string, completed, failed int, output, errText string) error {
	_, err := s.db.Exec(`
		UPDATE swarm_jobs
		SET status = ?, completed = ?, failed = ?, output = ?, error = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		status, completed, failed, s.compress(output), nullString(errText), id)
	if err != nil {
		return fmt.Errorf("finish swarm job: %w", err)
	}
	return nil
}

// SaveBatchResults replaces the batch rows of a job in one transaction.
func (s *Store) SaveBatchResults(jobID string, records []BatchRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM swarm_batches WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clear batch results: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO swarm_batches (job_id, batch_index, item_count, success, result, error, retries, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(jobID, r.BatchIndex, r.ItemCount, r.Success, s.compress(r.Result),
			nullString(r.Error), r.Retries, r.DurationMs); err != nil {
			return fmt.Errorf("insert batch %d: %w", r.BatchIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch results: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*SwarmJob, error) {
	var output []byte
	row := s.db.QueryRow(`SELECT `+jobColumns+`, output FROM swarm_jobs WHERE id = ?`, id)
	j, err := scanJob(row, &output)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm job: %w", err)
	}
	if j.Output, err = s.decompress(output); err != nil {
		return nil, fmt.Errorf("get swarm job output: %w", err)
	}
	return j, nil
}

// ListJobs returns the most recent jobs first, without outputs. A
// non-positive limit returns every job.
func (s *Store) ListJobs(limit int) ([]SwarmJob, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM swarm_jobs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list swarm jobs: %w", err)
	}
	defer rows.Close()

	var jobs []SwarmJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CountJobs returns how many jobs have the given status.
func (s *Store) CountJobs(status string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM swarm_jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count swarm jobs: %w", err)
	}
	return n, nil
}

func (s *Store) ListBatchResults(jobID string) ([]BatchRecord, error) {
	rows, err := s.db.Query(`
		SELECT job_id, batch_index, item_count, success, result, error, retries, duration_ms
		FROM swarm_batches WHERE job_id = ? ORDER BY batch_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list batch results: %w", err)
	}
	defer rows.Close()

	var records []BatchRecord
	for rows.Next() {
		var r BatchRecord
		var result []byte
		var errText sql.NullString
		if err := rows.Scan(&r.JobID, &r.BatchIndex, &r.ItemCount, &r.Success, &result, &errText,
			&r.Retries, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scan batch result: %w", err)
		}
		if r.Result, err = s.decompress(result); err != nil {
			return nil, fmt.Errorf("batch %d result: %w", r.BatchIndex, err)
		}
		r.Error = errText.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM swarm_batches WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("delete batch results: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM swarm_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete swarm job: %w", err)
	}
	return nil
}

// MarkAbandoned flags jobs left running by a previous process. Their
// in-flight state is gone; they are never resumed.
func (s *Store) MarkAbandoned() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE swarm_jobs SET status = ?, completed_at = CURRENT_TIMESTAMP
		WHERE status = ?`, JobAbandoned, JobRunning)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned jobs: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
