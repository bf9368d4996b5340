package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/mtzanidakis/swarmer/internal/config"
)

type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL lets readers run while a job is writing batch rows; the busy
	// timeout makes writers wait instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

// Snapshot writes a consistent copy of the database to path.
func (s *Store) Snapshot(path string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			id          TEXT PRIMARY KEY,
			description TEXT,
			model       TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_jobs (
			id            TEXT PRIMARY KEY,
			swarm         TEXT NOT NULL,
			worker_id     TEXT NOT NULL,
			message       TEXT NOT NULL,
			strategy      TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'running',
			total_items   INTEGER NOT NULL DEFAULT 0,
			total_batches INTEGER NOT NULL DEFAULT 0,
			completed     INTEGER NOT NULL DEFAULT 0,
			failed        INTEGER NOT NULL DEFAULT 0,
			output        BLOB,
			error         TEXT,
			started_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at  DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_jobs_started ON swarm_jobs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_jobs_status ON swarm_jobs(status)`,
		`CREATE TABLE IF NOT EXISTS swarm_batches (
			job_id      TEXT NOT NULL REFERENCES swarm_jobs(id) ON DELETE CASCADE,
			batch_index INTEGER NOT NULL,
			item_count  INTEGER NOT NULL,
			success     BOOLEAN NOT NULL,
			result      BLOB,
			error       TEXT,
			retries     INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (job_id, batch_index)
		)`,
		`CREATE TABLE IF NOT EXISTS swarm_schedules (
			swarm       TEXT PRIMARY KEY,
			schedule    TEXT NOT NULL,
			next_run_at DATETIME,
			last_run_at DATETIME,
			last_job_id TEXT,
			last_status TEXT,
			last_error  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_swarm_schedules_next ON swarm_schedules(next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func (s *Store) compress(text string) []byte {
	if text == "" {
		return nil
	}
	return s.enc.EncodeAll([]byte(text), nil)
}

func (s *Store) decompress(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	out, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return "", fmt.Errorf("decompress: %w", err)
	}
	return string(out), nil
}
