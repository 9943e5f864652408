// Package consulreg implements registry.Backend on top of Consul's agent
// HTTP API, per spec.md §4.F. Grounded on gravitational-teleport's
// lib/backend/consulbk (the pack's only Consul caller: api.Client built
// from api.Config, reachability/availability probed before first use),
// generalized from teleport's raw KV backend usage to the Agent Service
// Registration API this spec actually calls for (register/deregister/TTL
// check pass).
package consulreg

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/flare152/flare/internal/discover/balancer"
	"github.com/flare152/flare/internal/discover/registry"
	"github.com/flare152/flare/internal/schema"
)

const heartbeatInterval = 10 * time.Second

// Backend registers services with a Consul agent.
type Backend struct {
	client     *api.Client
	ttlSeconds int
}

// New builds a Backend, verifying reachability via GET /v1/status/leader
// before returning, per spec.md §4.F. ttlSeconds is the TTL check interval
// used for every Register call.
func New(addr, token string, ttlSeconds int) (*Backend, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, schema.ResourceError(err.Error())
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, schema.ResourceError(fmt.Sprintf("consul unreachable: %v", err))
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 30
	}
	return &Backend{client: client, ttlSeconds: ttlSeconds}, nil
}

var _ registry.Backend = (*Backend)(nil)

// Register implements spec.md §4.F's Consul registration: PUT
// /v1/agent/service/register with a TTL health check.
func (b *Backend) Register(reg registry.Registration) error {
	meta := make(map[string]string, len(reg.Meta)+2)
	for k, v := range reg.Meta {
		meta[k] = v
	}
	meta["weight"] = fmt.Sprintf("%d", reg.Weight)
	meta["version"] = reg.Version

	ttl := fmt.Sprintf("%ds", b.ttlSeconds)
	err := b.client.Agent().ServiceRegister(&api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Tags:    reg.Tags,
		Address: reg.Address,
		Port:    reg.Port,
		Meta:    meta,
		Check: &api.AgentServiceCheck{
			TTL:                            ttl,
			Status:                         api.HealthPassing,
			DeregisterCriticalServiceAfter: "24h",
		},
	})
	if err != nil {
		return schema.ResourceError(err.Error())
	}
	return nil
}

// Deregister implements PUT /v1/agent/service/deregister/{id}.
func (b *Backend) Deregister(id string) error {
	if err := b.client.Agent().ServiceDeregister(id); err != nil {
		return schema.ResourceError(err.Error())
	}
	return nil
}

// Heartbeat implements PUT /v1/agent/check/pass/service:{id}.
func (b *Backend) Heartbeat(id string) error {
	if err := b.client.Agent().PassTTL("service:"+id, ""); err != nil {
		return schema.ResourceError(err.Error())
	}
	return nil
}

// HeartbeatInterval is the fixed cadence spec.md §4.F specifies for Consul
// heartbeats (every 10s). app.Bootstrap does not read it; it heartbeats on
// its own fixed 5s interval.
func HeartbeatInterval() time.Duration { return heartbeatInterval }

// Fetch implements the watcher's backend contract for Consul: the healthy
// service set is the intersection of GET /v1/health/state/passing
// (service IDs that passed their check) with GET /v1/agent/services
// (address/port/meta), per spec.md §4.G. Ported from
// original_source/rpc_core/src/discover/consul/discover.rs's sync_services.
func (b *Backend) Fetch() (map[string][]balancer.Endpoint, error) {
	checks, _, err := b.client.Health().State(api.HealthPassing, nil)
	if err != nil {
		return nil, schema.ResourceError(err.Error())
	}
	healthy := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		if check.ServiceID != "" {
			healthy[check.ServiceID] = struct{}{}
		}
	}

	services, err := b.client.Agent().Services()
	if err != nil {
		return nil, schema.ResourceError(err.Error())
	}

	result := make(map[string][]balancer.Endpoint)
	for id, svc := range services {
		if _, ok := healthy[id]; !ok {
			continue
		}
		weight := 1
		if raw, ok := svc.Meta["weight"]; ok {
			if parsed, err := strconv.Atoi(raw); err == nil {
				weight = parsed
			}
		}
		result[svc.Service] = append(result[svc.Service], balancer.Endpoint{
			Address: svc.Address,
			Port:    svc.Port,
			Weight:  weight,
		})
	}
	return result, nil
}
