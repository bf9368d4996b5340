package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SwarmSchedule tracks when a scheduled swarm last ran and runs next.
type SwarmSchedule struct {
	Swarm      string     `json:"swarm"`
	Schedule   string     `json:"schedule"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastJobID  string     `json:"last_job_id,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

const scheduleColumns = `swarm, schedule, next_run_at, last_run_at, last_job_id, last_status, last_error`

func scanSchedule(scanner interface {
	Scan(dest ...any) error
}) (*SwarmSchedule, error) {
	sc := &SwarmSchedule{}
	var lastJob, lastStatus, lastError sql.NullString
	err := scanner.Scan(&sc.Swarm, &sc.Schedule, &sc.NextRunAt, &sc.LastRunAt, &lastJob, &lastStatus, &lastError)
	if err != nil {
		return nil, err
	}
	sc.LastJobID = lastJob.String
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	return sc, nil
}

// SaveSchedule upserts a schedule. The next run is only replaced when the
// expression changed or no next run is recorded yet.
func (s *Store) SaveSchedule(sc *SwarmSchedule) error {
	_, err := s.db.Exec(`
		INSERT INTO swarm_schedules (swarm, schedule, next_run_at)
		VALUES (?, ?, ?)
		ON CONFLICT(swarm) DO UPDATE SET
			next_run_at = CASE
				WHEN swarm_schedules.schedule != excluded.schedule OR swarm_schedules.next_run_at IS NULL
				THEN excluded.next_run_at
				ELSE swarm_schedules.next_run_at END,
			schedule = excluded.schedule`,
		sc.Swarm, sc.Schedule, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(swarm string) (*SwarmSchedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM swarm_schedules WHERE swarm = ?`, swarm)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]SwarmSchedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM swarm_schedules ORDER BY swarm`)
}

// GetDueSchedules returns schedules whose next run is at or before now.
func (s *Store) GetDueSchedules(now time.Time) ([]SwarmSchedule, error) {
	return s.querySchedules(`SELECT `+scheduleColumns+` FROM swarm_schedules
		WHERE next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at`, now)
}

func (s *Store) querySchedules(query string, args ...any) ([]SwarmSchedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []SwarmSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

func (s *Store) UpdateScheduleRun(swarm, jobID, lastStatus, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE swarm_schedules
		SET last_run_at = CURRENT_TIMESTAMP, last_job_id = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE swarm = ?`, nullString(jobID), lastStatus, nullString(lastError), nextRunAt, swarm)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// DeleteSchedulesNotIn drops schedules of swarms that are no longer
// scheduled.
func (s *Store) DeleteSchedulesNotIn(swarms []string) error {
	if len(swarms) == 0 {
		_, err := s.db.Exec(`DELETE FROM swarm_schedules`)
		return err
	}
	args := make([]any, len(swarms))
	for i, name := range swarms {
		args[i] = name
	}
	_, err := s.db.Exec(`DELETE FROM swarm_schedules WHERE swarm NOT IN (`+placeholders(len(swarms))+`)`, args...)
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n-1)
	for i := range n {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
