// Package app implements the Application Bootstrap: register with a
// discovery backend, start a heartbeat ticker, run the caller's server
// function, wait for a termination signal, then deregister, per spec.md
// §4.I. Ported from original_source/rpc_core/src/app/app.rs's App::run,
// generalized from its register/heartbeat_handle/server_handle/signal
// rendezvous (a oneshot channel plus three spawned tasks) to Go's
// channel-and-goroutine idiom; wiring style (no DI container, explicit
// struct construction) follows the teacher's cmd/blizzardgw/main.go.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flare152/flare/internal/discover/registry"
)

const heartbeatInterval = 5 * time.Second

// Registrar is the subset of registry.Backend the bootstrap sequence needs.
type Registrar interface {
	Register(reg registry.Registration) error
	Deregister(id string) error
	Heartbeat(id string) error
}

// ServerFunc runs the caller's server until ctx is cancelled, returning once
// it has shut down.
type ServerFunc func(ctx context.Context) error

// Bootstrap runs the register → heartbeat → serve → signal → deregister
// sequence described in spec.md §4.I.
type Bootstrap struct {
	Registrar Registrar
	Reg       registry.Registration
	Log       *zap.Logger
}

// Run registers reg, starts a 5s heartbeat ticker, runs serverFn until a
// SIGTERM/SIGINT arrives or serverFn returns on its own, stops the
// heartbeat, and deregisters. It returns serverFn's error if there is one,
// otherwise the deregister error (if any).
func (b *Bootstrap) Run(ctx context.Context, serverFn ServerFunc) error {
	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}

	if err := b.Registrar.Register(b.Reg); err != nil {
		return err
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go b.heartbeatLoop(heartbeatCtx, log)

	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	serverErr := make(chan error, 1)
	go func() { serverErr <- serverFn(serverCtx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("shutting down gracefully", zap.String("signal", sig.String()))
		cancelServer()
		runErr = <-serverErr
	case runErr = <-serverErr:
		log.Info("server function returned on its own")
	}

	stopHeartbeat()

	if err := b.Registrar.Deregister(b.Reg.ID); err != nil {
		log.Error("failed to deregister service", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

func (b *Bootstrap) heartbeatLoop(ctx context.Context, log *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Registrar.Heartbeat(b.Reg.ID); err != nil {
				log.Error("heartbeat failed", zap.Error(err))
			}
		}
	}
}
