package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Worker struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveWorker(w *Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, description, model, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			model = excluded.model,
			updated_at = CURRENT_TIMESTAMP`,
		w.ID, w.Description, w.Model)
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

func (s *Store) GetWorker(id string) (*Worker, error) {
	w := &Worker{}
	var description, model sql.NullString
	err := s.db.QueryRow(`SELECT id, description, model, created_at, updated_at FROM workers WHERE id = ?`, id).
		Scan(&w.ID, &description, &model, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	w.Description = description.String
	w.Model = model.String
	return w, nil
}

func (s *Store) ListWorkers() ([]Worker, error) {
	rows, err := s.db.Query(`SELECT id, description, model, created_at, updated_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		var description, model sql.NullString
		if err := rows.Scan(&w.ID, &description, &model, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.Description = description.String
		w.Model = model.String
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// DeleteWorkersNotIn removes every worker whose id is not listed.
func (s *Store) DeleteWorkersNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM workers`)
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM workers WHERE id NOT IN (`+placeholders(len(ids))+`)`, args...)
	return err
}
