// Package balancer selects one ServiceEndpoint from a discovered set per a
// configurable strategy. Ported from original_source/rpc_core/src/discover's
// LoadBalancer (Random/RoundRobin/WeightedRandom over a
// service_name -> index map behind a mutex), written in the idiom of the
// teacher's sync.Mutex-guarded maps rather than a Rust Arc<Mutex<...>>.
package balancer

import (
	"math/rand"
	"sync"
)

// Strategy is the selection policy.
type Strategy int

const (
	Random Strategy = iota
	RoundRobin
	WeightedRandom
)

// Endpoint is one discovered instance of a service.
type Endpoint struct {
	Address string
	Port    int
	Weight  int
}

// Balancer selects an Endpoint from a candidate list per its Strategy.
type Balancer struct {
	strategy Strategy

	mu      sync.Mutex
	indices map[string]int
}

// New builds a Balancer with the given strategy.
func New(strategy Strategy) *Balancer {
	return &Balancer{strategy: strategy, indices: make(map[string]int)}
}

// Select picks one endpoint from endpoints for serviceName, per spec.md
// §4.H. Returns false if endpoints is empty.
func (b *Balancer) Select(serviceName string, endpoints []Endpoint) (Endpoint, bool) {
	if len(endpoints) == 0 {
		return Endpoint{}, false
	}

	switch b.strategy {
	case WeightedRandom:
		return b.weightedRandom(endpoints), true
	case RoundRobin:
		return b.roundRobin(serviceName, endpoints), true
	default:
		return b.random(endpoints), true
	}
}

func (b *Balancer) random(endpoints []Endpoint) Endpoint {
	return endpoints[rand.Intn(len(endpoints))]
}

func (b *Balancer) weightedRandom(endpoints []Endpoint) Endpoint {
	total := 0
	for _, ep := range endpoints {
		total += ep.Weight
	}
	if total <= 0 {
		return b.random(endpoints)
	}

	chosen := rand.Intn(total)
	accumulated := 0
	for _, ep := range endpoints {
		accumulated += ep.Weight
		if chosen < accumulated {
			return ep
		}
	}
	return endpoints[0]
}

// roundRobin advances a per-service counter on every call. When the list
// size shrinks, the stored index is reduced modulo the new length so it's
// never referenced out of range, per spec.md §4.H.
func (b *Balancer) roundRobin(serviceName string, endpoints []Endpoint) Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.indices[serviceName]
	if !ok {
		b.indices[serviceName] = 0
		return endpoints[0]
	}
	idx = (idx + 1) % len(endpoints)
	b.indices[serviceName] = idx
	return endpoints[idx]
}
