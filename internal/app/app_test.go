package app

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flare152/flare/internal/discover/registry"
)

type fakeRegistrar struct {
	registered   atomic.Bool
	deregistered atomic.Bool
	heartbeats   atomic.Int32
	registerErr  error
	deregisterErr error
}

func (f *fakeRegistrar) Register(reg registry.Registration) error {
	f.registered.Store(true)
	return f.registerErr
}

func (f *fakeRegistrar) Deregister(id string) error {
	f.deregistered.Store(true)
	return f.deregisterErr
}

func (f *fakeRegistrar) Heartbeat(id string) error {
	f.heartbeats.Add(1)
	return nil
}

func TestRunRegistersAndDeregistersOnServerReturn(t *testing.T) {
	reg := &fakeRegistrar{}
	b := &Bootstrap{Registrar: reg, Reg: registry.Registration{ID: "svc-1"}}

	err := b.Run(context.Background(), func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
	assert.True(t, reg.registered.Load())
	assert.True(t, reg.deregistered.Load())
}

func TestRunPropagatesServerError(t *testing.T) {
	reg := &fakeRegistrar{}
	b := &Bootstrap{Registrar: reg, Reg: registry.Registration{ID: "svc-1"}}

	boom := assert.AnError
	err := b.Run(context.Background(), func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.True(t, reg.deregistered.Load())
}

func TestRunFailsFastWhenRegisterFails(t *testing.T) {
	reg := &fakeRegistrar{registerErr: assert.AnError}
	b := &Bootstrap{Registrar: reg, Reg: registry.Registration{ID: "svc-1"}}

	called := false
	err := b.Run(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.False(t, reg.deregistered.Load())
}

func TestRunStopsServerOnSignal(t *testing.T) {
	reg := &fakeRegistrar{}
	b := &Bootstrap{Registrar: reg, Reg: registry.Registration{ID: "svc-1"}}

	serverStarted := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Run(context.Background(), func(ctx context.Context) error {
			close(serverStarted)
			<-ctx.Done()
			return nil
		})
	}()

	<-serverStarted
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}
	assert.True(t, reg.deregistered.Load())
}

func TestHeartbeatLoopDoesNotTickBeforeInterval(t *testing.T) {
	reg := &fakeRegistrar{}
	b := &Bootstrap{Registrar: reg, Reg: registry.Registration{ID: "svc-1"}}

	ctx, cancel := context.WithCancel(context.Background())
	go b.heartbeatLoop(ctx, zap.NewNop())

	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), reg.heartbeats.Load())
}
