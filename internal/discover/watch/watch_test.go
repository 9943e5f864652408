package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/internal/discover/balancer"
)

type fakeFetcher struct {
	mu     sync.Mutex
	result map[string][]balancer.Endpoint
	err    error
	calls  int
}

func (f *fakeFetcher) set(result map[string][]balancer.Endpoint, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = result
	f.err = err
}

func (f *fakeFetcher) Fetch() (map[string][]balancer.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func drain(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Change")
		return Change{}
	}
}

func TestDiscoverReturnsNotFoundWhenUnknown(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{}}
	w := New(f, balancer.Random, nil)

	_, err := w.Discover("missing")
	require.Error(t, err)
}

func TestSyncEmitsAddedOnFirstFetch(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{
		"svc": {{Address: "1.1.1.1", Port: 80}},
	}}
	w := New(f, balancer.Random, nil)
	ch, cancel := w.Subscribe(10)
	defer cancel()

	w.sync()

	change := drain(t, ch)
	assert.Equal(t, "svc", change.ServiceName)
	assert.Len(t, change.Added, 1)
	assert.Empty(t, change.Removed)

	ep, err := w.Discover("svc")
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", ep.Address)
}

func TestSyncEmitsNothingWhenUnchanged(t *testing.T) {
	eps := map[string][]balancer.Endpoint{"svc": {{Address: "1.1.1.1", Port: 80}}}
	f := &fakeFetcher{result: eps}
	w := New(f, balancer.Random, nil)
	ch, cancel := w.Subscribe(10)
	defer cancel()

	w.sync()
	drain(t, ch)

	w.sync()
	select {
	case c := <-ch:
		t.Fatalf("expected no change, got %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSyncEmitsAddedAndRemovedOnDelta(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{
		"svc": {{Address: "e1", Port: 1}, {Address: "e2", Port: 2}},
	}}
	w := New(f, balancer.Random, nil)
	ch, cancel := w.Subscribe(10)
	defer cancel()

	w.sync()
	drain(t, ch)

	f.set(map[string][]balancer.Endpoint{
		"svc": {{Address: "e2", Port: 2}, {Address: "e3", Port: 3}},
	}, nil)
	w.sync()

	change := drain(t, ch)
	assert.Equal(t, "svc", change.ServiceName)
	require.Len(t, change.Added, 1)
	assert.Equal(t, "e3", change.Added[0].Address)
	require.Len(t, change.Removed, 1)
	assert.Equal(t, "e1", change.Removed[0].Address)
}

func TestSyncRemovesServiceAbsentFromNewFetch(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{
		"svc": {{Address: "e1", Port: 1}},
	}}
	w := New(f, balancer.Random, nil)
	ch, cancel := w.Subscribe(10)
	defer cancel()

	w.sync()
	drain(t, ch)

	f.set(map[string][]balancer.Endpoint{}, nil)
	w.sync()

	change := drain(t, ch)
	assert.Equal(t, "svc", change.ServiceName)
	assert.Empty(t, change.All)
	require.Len(t, change.Removed, 1)
	assert.Equal(t, "e1", change.Removed[0].Address)
}

func TestSyncOnFetchFailureClearsAndEmitsRemovedAll(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{
		"svc": {{Address: "e1", Port: 1}},
	}}
	w := New(f, balancer.Random, nil)
	ch, cancel := w.Subscribe(10)
	defer cancel()

	w.sync()
	drain(t, ch)

	f.set(nil, assert.AnError)
	w.sync()

	change := drain(t, ch)
	assert.Equal(t, "svc", change.ServiceName)
	require.Len(t, change.Removed, 1)

	_, err := w.Discover("svc")
	assert.Error(t, err)
}

func TestMultipleSubscribersEachReceiveChanges(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{
		"svc": {{Address: "e1", Port: 1}},
	}}
	w := New(f, balancer.Random, nil)
	ch1, cancel1 := w.Subscribe(10)
	defer cancel1()
	ch2, cancel2 := w.Subscribe(10)
	defer cancel2()

	w.sync()

	drain(t, ch1)
	drain(t, ch2)
}

func TestStartWatchStopWatch(t *testing.T) {
	f := &fakeFetcher{result: map[string][]balancer.Endpoint{
		"svc": {{Address: "e1", Port: 1}},
	}}
	w := New(f, balancer.RoundRobin, nil)
	ch, cancel := w.Subscribe(10)
	defer cancel()

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		w.StartWatch(ctx)
		close(done)
	}()

	drain(t, ch)
	w.StopWatch()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartWatch did not return after StopWatch")
	}
}
