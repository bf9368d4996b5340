package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/natsbus"
	"github.com/mtzanidakis/swarmer/internal/registry"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/swarm"
	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

// Subscriber is the subset of the bus client used to follow job events.
type Subscriber interface {
	Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error)
}

type Server struct {
	store     *store.Store
	coord     *swarm.Coordinator
	registry  *registry.Registry
	events    Subscriber
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(s *store.Store, coord *swarm.Coordinator, reg *registry.Registry, events Subscriber, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     s,
		coord:     coord,
		registry:  reg,
		events:    events,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the API routes wrapped in the auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	sub, err := s.subscribeEvents()
	if err != nil {
		return err
	}
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.hub.CloseAll()
	}()

	slog.Info("web server listening", "addr", addr, "auth", s.cfg.Auth != "")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="swarmer"`)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts basic auth with any user name and the configured
// password.
func (s *Server) checkAuth(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// subscribeEvents forwards swarm events from the bus to WebSocket clients.
func (s *Server) subscribeEvents() (*nats.Subscription, error) {
	if s.events == nil {
		return nil, nil
	}
	sub, err := s.events.Subscribe(natsbus.TopicEventsSwarm, func(msg *nats.Msg) {
		var event telemetry.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid swarm event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", natsbus.TopicEventsSwarm, err)
	}
	return sub, nil
}
