package natsbus

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/swarmer/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is an embedded NATS server used by the gateway.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.Host != "" {
		opts.Host = cfg.Host
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
