// Package watch implements the Discovery Watcher: a sync loop that
// periodically pulls the healthy endpoint set from a registry backend into
// a local snapshot, diffs it against the previous tick, and broadcasts the
// deltas, per spec.md §4.G. Ported from
// original_source/rpc_core/src/discover/consul/discover.rs's
// ConsulDiscover (sync_services/start_watch/stop_watch), generalized from
// a Consul-only discoverer to any Fetcher so the same loop drives both
// consulreg and kvreg.
package watch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flare152/flare/internal/discover/balancer"
	"github.com/flare152/flare/internal/schema"
)

// Fetcher pulls the current healthy endpoint set, keyed by service name.
// Both consulreg.Backend and kvreg.Backend implement it.
type Fetcher interface {
	Fetch() (map[string][]balancer.Endpoint, error)
}

// Change is a per-service delta, per spec.md §3's Change record. Updated is
// always empty in this version — endpoint identity is (address, port) and
// in-place metadata updates aren't modeled as a distinct delta kind.
type Change struct {
	ServiceName string
	All         []balancer.Endpoint
	Added       []balancer.Endpoint
	Updated     []balancer.Endpoint
	Removed     []balancer.Endpoint
}

const syncInterval = 3 * time.Second

// Watcher runs the sync loop and exposes discover() over the local
// snapshot.
type Watcher struct {
	fetcher  Fetcher
	balancer *balancer.Balancer
	log      *zap.Logger

	mu       sync.RWMutex
	services map[string][]balancer.Endpoint

	bus *changeBus

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Watcher over fetcher, selecting endpoints with strategy.
func New(fetcher Fetcher, strategy balancer.Strategy, log *zap.Logger) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		fetcher:  fetcher,
		balancer: balancer.New(strategy),
		log:      log,
		services: make(map[string][]balancer.Endpoint),
		bus:      newChangeBus(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Subscribe registers a new Change consumer with the given channel buffer
// size, returning its channel and a cancel func that unsubscribes and
// closes it. A subscriber that joins mid-stream sees only subsequent
// changes; it must call Discover to bootstrap its own view, per spec.md
// §4.G's invariant. Multiple independent subscribers are supported (e.g.
// several RPC client factories each tracking their own service set).
func (w *Watcher) Subscribe(buffer int) (<-chan Change, func()) {
	return w.bus.subscribe(buffer)
}

// StartWatch performs an initial sync then ticks every 3s until StopWatch,
// per spec.md §4.G. Call once; it blocks until ctx is done or StopWatch is
// called, so run it in its own goroutine.
func (w *Watcher) StartWatch(ctx context.Context) {
	defer close(w.doneCh)

	w.sync()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sync()
		}
	}
}

// StopWatch stops the sync loop and waits for the current tick to finish.
func (w *Watcher) StopWatch() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// Discover looks up one endpoint for serviceName via the configured load
// balancer strategy. Returns a schema.ServiceNotFound error if the service
// is unknown or has no endpoints, per spec.md §4.G.
func (w *Watcher) Discover(serviceName string) (balancer.Endpoint, error) {
	w.mu.RLock()
	endpoints := w.services[serviceName]
	w.mu.RUnlock()

	ep, ok := w.balancer.Select(serviceName, endpoints)
	if !ok {
		return balancer.Endpoint{}, schema.ServiceNotFound(serviceName)
	}
	return ep, nil
}

func (w *Watcher) sync() {
	newServices, err := w.fetcher.Fetch()
	if err != nil {
		w.log.Error("discovery fetch failed, clearing snapshot", zap.Error(err))
		w.clearAll()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]struct{}, len(newServices))
	for name, newEndpoints := range newServices {
		seen[name] = struct{}{}
		oldEndpoints := w.services[name]

		added := diff(newEndpoints, oldEndpoints)
		removed := diff(oldEndpoints, newEndpoints)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}

		w.services[name] = newEndpoints
		w.emit(Change{ServiceName: name, All: newEndpoints, Added: added, Removed: removed})
	}

	for name, oldEndpoints := range w.services {
		if _, ok := seen[name]; ok {
			continue
		}
		delete(w.services, name)
		w.emit(Change{ServiceName: name, Removed: oldEndpoints})
	}
}

func (w *Watcher) clearAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, endpoints := range w.services {
		w.emit(Change{ServiceName: name, Removed: endpoints})
	}
	w.services = make(map[string][]balancer.Endpoint)
}

// emit is called with w.mu held; changeBus.publish never blocks the sync
// loop on a slow subscriber, since a full subscriber channel just drops
// the event rather than stalling the next tick.
func (w *Watcher) emit(c Change) {
	w.bus.publish(c)
}

// diff returns the endpoints in a that are absent from b, using
// (address, port) as the identity tuple, per spec.md §4.G.
func diff(a, b []balancer.Endpoint) []balancer.Endpoint {
	var out []balancer.Endpoint
	for _, epA := range a {
		found := false
		for _, epB := range b {
			if epA.Address == epB.Address && epA.Port == epB.Port {
				found = true
				break
			}
		}
		if !found {
			out = append(out, epA)
		}
	}
	return out
}
