package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sort"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/worker"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "worker [WORKER...]",
		Short: "Serve command workers against a running gateway",
		Long: `Serve the named workers (or every worker with a command) on the NATS
server at nats.url. Several processes may serve the same worker; requests
are spread across them.`,
		RunE: runWorker,
	})
}

func runWorker(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	defs := make(map[string]config.WorkerDefinition)
	for id, def := range cfg.Workers {
		if len(args) == 0 && def.Command != "" {
			defs[id] = def
		}
	}
	for _, id := range args {
		def, ok := cfg.Workers[id]
		if !ok {
			return fmt.Errorf("unknown worker: %s", id)
		}
		if def.Command == "" {
			return fmt.Errorf("worker %s has no command", id)
		}
		defs[id] = def
	}
	if len(defs) == 0 {
		return fmt.Errorf("no workers with a command configured")
	}

	client, err := natsbus.NewClientFromURL(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	set := newWorkerSet(client)
	set.Apply(ctx, defs)
	slog.Info("serving workers", "workers", set.IDs(), "nats", cfg.NATS.URL)

	<-ctx.Done()
	slog.Info("shutting down workers")
	set.Stop()
	return nil
}

type runningWorker struct {
	def    config.WorkerDefinition
	cancel context.CancelFunc
	done   chan struct{}
}

// workerSet runs one worker.Server per command worker and restarts the
// ones whose definition changed.
type workerSet struct {
	client worker.Subscriber

	mu      sync.Mutex
	running map[string]*runningWorker
}

func newWorkerSet(client worker.Subscriber) *workerSet {
	return &workerSet{client: client, running: make(map[string]*runningWorker)}
}

// Apply brings the running set in line with defs. Workers without a
// command are skipped.
func (s *workerSet) Apply(ctx context.Context, defs map[string]config.WorkerDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rw := range s.running {
		def, ok := defs[id]
		if ok && def.Command != "" && reflect.DeepEqual(def, rw.def) {
			continue
		}
		rw.cancel()
		<-rw.done
		delete(s.running, id)
		slog.Info("worker stopped by reload", "worker", id)
	}

	for id, def := range defs {
		if def.Command == "" {
			continue
		}
		if _, ok := s.running[id]; ok {
			continue
		}
		srv, err := worker.NewCommandServer(id, s.client, def)
		if err != nil {
			slog.Error("create worker failed", "worker", id, "error", err)
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		rw := &runningWorker{def: def, cancel: cancel, done: make(chan struct{})}
		s.running[id] = rw
		go func() {
			defer close(rw.done)
			if err := srv.Serve(wctx); err != nil {
				slog.Error("worker failed", "worker", id, "error", err)
			}
		}()
	}
}

// IDs returns the running worker ids, sorted.
func (s *workerSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every worker and waits for in-flight requests.
func (s *workerSet) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rw := range s.running {
		rw.cancel()
		<-rw.done
		delete(s.running, id)
	}
}
