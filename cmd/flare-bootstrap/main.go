// Command flare-bootstrap demonstrates the Service Discovery Core end to
// end without the messaging engines: it registers itself against the
// configured backend via internal/app.Bootstrap, runs a Discovery Watcher
// against the same backend, and logs every service it can currently
// discover until a termination signal arrives. Useful as a smoke test for a
// registry backend and as a template for services that only need discovery
// (e.g. an RPC client that never accepts inbound connections).
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/flare152/flare/internal/app"
	"github.com/flare152/flare/internal/config"
	"github.com/flare152/flare/internal/discover/balancer"
	"github.com/flare152/flare/internal/discover/registry"
	"github.com/flare152/flare/internal/discover/registry/consulreg"
	"github.com/flare152/flare/internal/discover/registry/kvreg"
	"github.com/flare152/flare/internal/discover/watch"
	"github.com/flare152/flare/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "optional YAML config file")
	address := flag.String("address", "127.0.0.1", "address this instance advertises")
	port := flag.Int("port", 9000, "port this instance advertises")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	var backend interface {
		app.Registrar
		watch.Fetcher
	}
	switch cfg.RegistryBackend {
	case "consul":
		backend, err = consulreg.New(cfg.ConsulAddr, cfg.ConsulToken, cfg.TTL)
	default:
		backend = kvreg.New(cfg.ArgusURL, cfg.ArgusBucket, cfg.KVPrefix, cfg.ArgusAuth, cfg.TTL)
	}
	if err != nil {
		log.Fatalf("init registry backend: %v", err)
	}

	reg := registry.Registration{
		Name:    orDefault(cfg.ServiceName, "flare-bootstrap-demo"),
		ID:      orDefault(cfg.ServiceID, uuid.NewString()),
		Tags:    cfg.ServiceTags,
		Address: *address,
		Port:    *port,
		Weight:  cfg.ServiceWeight,
		Meta:    cfg.ServiceMeta,
		Version: cfg.ServiceVersion,
	}

	watcher := watch.New(backend, balancer.RoundRobin, logger)
	changes, unsubscribe := watcher.Subscribe(16)
	defer unsubscribe()

	bootstrap := &app.Bootstrap{Registrar: backend, Reg: reg, Log: logger}
	if err := bootstrap.Run(context.Background(), func(ctx context.Context) error {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan struct{})
		go func() { watcher.StartWatch(watchCtx); close(done) }()

		for {
			select {
			case <-ctx.Done():
				watcher.StopWatch()
				<-done
				return nil
			case change := <-changes:
				logger.Sugar().Infow("discovery change",
					"service", change.ServiceName, "added", len(change.Added), "removed", len(change.Removed))
			case <-time.After(10 * time.Second):
				ep, err := watcher.Discover(reg.Name)
				if err != nil {
					logger.Sugar().Infow("discover self: not found yet", "service", reg.Name)
					continue
				}
				logger.Sugar().Infow("discover self", "address", ep.Address, "port", ep.Port)
			}
		}
	}); err != nil {
		log.Fatalf("bootstrap exited with error: %v", err)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
