package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/executor"
	"github.com/mtzanidakis/swarmer/internal/input"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/registry"
	"github.com/mtzanidakis/swarmer/internal/router"
	"github.com/mtzanidakis/swarmer/internal/scheduler"
	"github.com/mtzanidakis/swarmer/internal/shell"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/swarm"
	"github.com/mtzanidakis/swarmer/internal/telegram"
	"github.com/mtzanidakis/swarmer/internal/telemetry"
	"github.com/mtzanidakis/swarmer/internal/web"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "gateway",
		Short: "Start the swarmer gateway service",
		RunE: func(*cobra.Command, []string) error {
			return runGateway()
		},
	})
}

const shutdownGrace = 30 * time.Second

// gateway holds the reloadable components.
type gateway struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router
	executor *executor.Executor
	items    *input.Resolver
	coord    *swarm.Coordinator
	sched    *scheduler.Scheduler
	workers  *workerSet
}

func runGateway() error {
	path := configFile()
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting swarmer gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	if n, err := db.MarkAbandoned(); err != nil {
		slog.Warn("mark abandoned jobs failed", "error", err)
	} else if n > 0 {
		slog.Warn("jobs from a previous run marked abandoned", "count", n)
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()

	reg := registry.New(db, cfg.Workers, cfg.Defaults)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync worker registry: %w", err)
	}

	g := &gateway{
		cfg:      cfg,
		registry: reg,
		executor: executor.New(client, reg, cfg.Executor),
		items:    input.New(shell.Sh{}, cfg.Defaults.MaxItems),
		router:   router.New(cfg.Swarms, cfg.Router),
		workers:  newWorkerSet(client),
	}
	g.setClassifier(cfg.Router.Classifier)

	// Workers with a command are served in-process.
	g.workers.Apply(ctx, cfg.Workers)

	sinks := telemetry.Multi{telemetry.LogSink{}, telemetry.NewNATSSink(client)}
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sinks = append(sinks, telemetry.NewMetricsSink(promReg, "swarmer"))
		go serveMetrics(ctx, cfg.Metrics.Port, promReg)
	}

	g.coord = swarm.NewCoordinator(swarm.CoordinatorOptions{
		Swarms:   cfg.Swarms,
		Defaults: cfg.Defaults,
		Invoker:  g.executor,
		Items:    g.items,
		Jobs:     db,
		Sink:     sinks,
		Router:   g.router,
	})
	go func() {
		if err := g.coord.Serve(ctx, client); err != nil {
			slog.Error("swarm intake failed", "error", err)
		}
	}()

	g.sched = scheduler.New(db, g.coord, cfg.Scheduler, cfg.Swarms)
	go g.sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(db, g.coord, reg, client, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, g.coord, db)
		if err != nil {
			return fmt.Errorf("init telegram: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
	}

	go func() {
		if err := config.Watch(ctx, path, func(newCfg *config.Config) { g.reload(ctx, newCfg) }); err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}()

	slog.Info("gateway ready", "swarms", g.coord.Swarms(), "workers", g.workers.IDs())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	// Let running jobs record their results before the store and bus close.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer waitCancel()
	if err := g.coord.Wait(waitCtx); err != nil {
		slog.Warn("jobs still running at shutdown", "grace", shutdownGrace, "error", err)
	}

	// Cleanup
	g.workers.Stop()
	return nil
}

func (g *gateway) setClassifier(workerID string) {
	if workerID == "" {
		g.router.SetClassifier(nil)
		return
	}
	g.router.SetClassifier(executor.NewClassifier(g.executor, workerID))
}

// reload applies a changed config file to the running components.
func (g *gateway) reload(ctx context.Context, newCfg *config.Config) {
	diff := config.Diff(g.cfg, newCfg)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		return
	}

	if len(diff.WorkersAdded)+len(diff.WorkersRemoved)+len(diff.WorkersChanged) > 0 || diff.DefaultsChanged {
		if err := g.registry.Update(newCfg.Workers, newCfg.Defaults); err != nil {
			slog.Error("reload workers failed", "error", err)
		}
		g.workers.Apply(ctx, newCfg.Workers)
		g.items.SetMaxItems(newCfg.Defaults.MaxItems)
	}

	if len(diff.SwarmsAdded)+len(diff.SwarmsRemoved)+len(diff.SwarmsChanged) > 0 || diff.DefaultsChanged {
		g.coord.Update(newCfg.Swarms, newCfg.Defaults)
		g.router.UpdateSwarms(newCfg.Swarms)
		g.sched.UpdateSwarms(newCfg.Swarms)
	}

	if diff.RouterChanged {
		g.router.SetDefaultSwarm(diff.NewDefaultSwarm)
		g.setClassifier(newCfg.Router.Classifier)
	}

	if diff.SchedulerChanged {
		g.sched.UpdateConfig(diff.NewPollInterval)
	}

	g.cfg = newCfg
	slog.Info("config applied",
		"swarms_added", diff.SwarmsAdded, "swarms_removed", diff.SwarmsRemoved, "swarms_changed", diff.SwarmsChanged,
		"workers_added", diff.WorkersAdded, "workers_removed", diff.WorkersRemoved, "workers_changed", diff.WorkersChanged)
}

func serveMetrics(ctx context.Context, port int, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server started", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}
