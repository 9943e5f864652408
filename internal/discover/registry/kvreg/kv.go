// Package kvreg implements registry.Backend as a lease-based record in a
// generic bucketed key/value store reachable over HTTP, per spec.md §4.F.
//
// Grounded on the teacher's internal/webhook/config.go Config.Register:
// same Item{ID,Data,TTL} JSON body shape, same PUT-with-bounded-retries
// texture. The teacher also carries a chrysom/ancla-based registrar
// (internal/webhook/registrar_ancla.go), but that file registers
// webhook-specific manifests through ancla.NewService(client).Add(...) —
// not a generic item store — and its own header notes the ancla/argus
// dependency is unresolved in this pack ("builds will fail" until
// resolved). Lacking pack-grounded generic Push/Remove-item method
// signatures to build a service-registry backend on, this package talks
// to the store directly instead.
package kvreg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/flare152/flare/internal/discover/balancer"
	"github.com/flare152/flare/internal/discover/registry"
	"github.com/flare152/flare/internal/schema"
)

// Record is the JSON body stored for a registration.
type Record struct {
	Name    string            `json:"name"`
	Tags    []string          `json:"tags"`
	Address string            `json:"address"`
	Port    int               `json:"port"`
	Weight  int               `json:"weight"`
	Meta    map[string]string `json:"meta"`
	Version string            `json:"version"`
}

// item mirrors the store's {id, data, ttl} envelope, per the teacher's
// webhook Config.Register.
type item struct {
	ID  string `json:"id"`
	Data Record `json:"data"`
	TTL int    `json:"ttl"`
}

// Backend registers services as TTL-bound items in a key/value store.
type Backend struct {
	client  *http.Client
	baseURL string
	bucket  string
	prefix  string
	auth    string
	ttl     int
	retries int

	mu      sync.Mutex
	tickers map[string]chan struct{}
	records map[string]Record
}

// New builds a Backend against baseURL/bucket, storing every registration
// under <prefix><id>. ttlSeconds is the per-record lease length; the
// backend refreshes it at ttl/2 for every registered id until Deregister.
func New(baseURL, bucket, prefix, auth string, ttlSeconds int) *Backend {
	if bucket == "" {
		bucket = "services"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 30
	}
	return &Backend{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		prefix:  prefix,
		auth:    auth,
		ttl:     ttlSeconds,
		retries: 3,
		tickers: make(map[string]chan struct{}),
		records: make(map[string]Record),
	}
}

var _ registry.Backend = (*Backend)(nil)

// Register implements spec.md §4.F's KV registration: PUT the record under
// <prefix><id> with a ttl-second lease, then start a keep-alive ticker at
// ttl/2.
func (b *Backend) Register(reg registry.Registration) error {
	record := Record{
		Name:    reg.Name,
		Tags:    reg.Tags,
		Address: reg.Address,
		Port:    reg.Port,
		Weight:  reg.Weight,
		Meta:    reg.Meta,
		Version: reg.Version,
	}
	if err := b.put(reg.ID, record); err != nil {
		return err
	}

	b.mu.Lock()
	b.records[reg.ID] = record
	b.mu.Unlock()

	b.startKeepalive(reg.ID)
	return nil
}

// Deregister stops the keep-alive ticker and deletes the item.
func (b *Backend) Deregister(id string) error {
	b.stopKeepalive(id)

	b.mu.Lock()
	delete(b.records, id)
	b.mu.Unlock()

	req, err := http.NewRequest(http.MethodDelete, b.itemURL(id), nil)
	if err != nil {
		return schema.ResourceError(err.Error())
	}
	b.setAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return schema.ResourceError(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return schema.ResourceError(fmt.Sprintf("delete item failed: status %d", resp.StatusCode))
	}
	return nil
}

// Heartbeat replays the cached record for id, refreshing its lease.
func (b *Backend) Heartbeat(id string) error {
	b.mu.Lock()
	record, ok := b.records[id]
	b.mu.Unlock()
	if !ok {
		return schema.ResourceError("heartbeat on unregistered id: " + id)
	}
	return b.put(id, record)
}

func (b *Backend) put(id string, record Record) error {
	body, err := json.Marshal(item{ID: b.prefix + id, Data: record, TTL: b.ttl})
	if err != nil {
		return schema.ResourceError(err.Error())
	}

	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		req, err := http.NewRequest(http.MethodPut, b.itemURL(id), bytes.NewReader(body))
		if err != nil {
			return schema.ResourceError(err.Error())
		}
		req.Header.Set("Content-Type", "application/json")
		b.setAuth(req)

		resp, err := b.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("put item failed: status %d", resp.StatusCode)
		time.Sleep(time.Second)
	}
	return schema.ResourceError(lastErr.Error())
}

func (b *Backend) itemURL(id string) string {
	return fmt.Sprintf("%s/api/v1/store/%s/%s", b.baseURL, b.bucket, b.prefix+id)
}

func (b *Backend) bucketURL() string {
	return fmt.Sprintf("%s/api/v1/store/%s", b.baseURL, b.bucket)
}

// List enumerates every item in the bucket whose id carries the
// configured prefix, decoding each Data payload into a Record. Grounded
// on the same `/api/v1/store/<bucket>` surface as put/itemURL
// (`internal/webhook/config.go`'s `PUT .../store/<bucket>/<id>`), generalized
// to the bucket-level GET the discovery watcher's sync loop needs for
// prefix enumeration per spec.md §4.G.
func (b *Backend) List() (map[string]Record, error) {
	req, err := http.NewRequest(http.MethodGet, b.bucketURL(), nil)
	if err != nil {
		return nil, schema.ResourceError(err.Error())
	}
	b.setAuth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, schema.ResourceError(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, schema.ResourceError(fmt.Sprintf("list items failed: status %d", resp.StatusCode))
	}

	var items []item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, schema.ResourceError(err.Error())
	}

	out := make(map[string]Record, len(items))
	for _, it := range items {
		if !strings.HasPrefix(it.ID, b.prefix) {
			continue
		}
		out[strings.TrimPrefix(it.ID, b.prefix)] = it.Data
	}
	return out, nil
}

func (b *Backend) setAuth(req *http.Request) {
	if b.auth == "" {
		return
	}
	header := b.auth
	if !strings.HasPrefix(header, "Basic ") && !strings.HasPrefix(header, "Bearer ") {
		header = "Basic " + header
	}
	req.Header.Set("Authorization", header)
}

func (b *Backend) startKeepalive(id string) {
	b.mu.Lock()
	if old, ok := b.tickers[id]; ok {
		close(old)
	}
	stop := make(chan struct{})
	b.tickers[id] = stop
	b.mu.Unlock()

	interval := time.Duration(b.ttl/2) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = b.Heartbeat(id)
			}
		}
	}()
}

// Fetch implements the watcher's backend contract for the KV store: list
// every item under the configured prefix and group by service name, per
// spec.md §4.G's "enumerate keys with the configured prefix" rule.
func (b *Backend) Fetch() (map[string][]balancer.Endpoint, error) {
	items, err := b.List()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]balancer.Endpoint)
	for _, record := range items {
		weight := record.Weight
		if weight <= 0 {
			weight = 1
		}
		result[record.Name] = append(result[record.Name], balancer.Endpoint{
			Address: record.Address,
			Port:    record.Port,
			Weight:  weight,
		})
	}
	return result, nil
}

func (b *Backend) stopKeepalive(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stop, ok := b.tickers[id]; ok {
		close(stop)
		delete(b.tickers, id)
	}
}
