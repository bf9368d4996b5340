// Package registry keeps the declared workers and mirrors them into the
// store so the CLI can list them without loading config.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/store"
)

var ErrUnknownWorker = errors.New("unknown worker")

type Registry struct {
	store   *store.Store
	mu      sync.RWMutex
	workers map[string]config.WorkerDefinition
	cfg     config.DefaultsConfig
}

func New(s *store.Store, workers map[string]config.WorkerDefinition, cfg config.DefaultsConfig) *Registry {
	return &Registry{
		store:   s,
		workers: workers,
		cfg:     cfg,
	}
}

// Sync writes every declared worker to the store and removes the rest.
func (r *Registry) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.store == nil {
		return nil
	}

	ids := make([]string, 0, len(r.workers))
	for id, def := range r.workers {
		ids = append(ids, id)
		w := &store.Worker{
			ID:          id,
			Description: def.Description,
			Model:       def.Model,
		}
		if err := r.store.SaveWorker(w); err != nil {
			return fmt.Errorf("save worker %s: %w", id, err)
		}
	}

	if err := r.store.DeleteWorkersNotIn(ids); err != nil {
		return fmt.Errorf("delete stale workers: %w", err)
	}
	return nil
}

// Update swaps the worker set after a config reload and resyncs the store.
func (r *Registry) Update(workers map[string]config.WorkerDefinition, cfg config.DefaultsConfig) error {
	r.mu.Lock()
	r.workers = workers
	r.cfg = cfg
	r.mu.Unlock()
	return r.Sync()
}

func (r *Registry) Get(id string) (*store.Worker, error) {
	return r.store.GetWorker(id)
}

func (r *Registry) List() ([]store.Worker, error) {
	return r.store.ListWorkers()
}

func (r *Registry) GetDefinition(id string) (config.WorkerDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workers[id]
	return def, ok
}

// Resolve returns the definition of a worker. With no workers declared
// any id is accepted.
func (r *Registry) Resolve(id string) (config.WorkerDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		return config.WorkerDefinition{}, fmt.Errorf("%w: empty id", ErrUnknownWorker)
	}
	if len(r.workers) == 0 {
		return config.WorkerDefinition{Model: r.cfg.Model}, nil
	}
	def, ok := r.workers[id]
	if !ok {
		return config.WorkerDefinition{}, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if def.Model == "" {
		def.Model = r.cfg.Model
	}
	return def, nil
}

func (r *Registry) ResolveModel(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.workers[id]; ok && def.Model != "" {
		return def.Model
	}
	return r.cfg.Model
}

// IDs returns declared worker ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
