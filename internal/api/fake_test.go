package api

import (
	"context"
	"sync"
	"time"

	"github.com/VarunGitGood/livedata/internal/livedata"
)

type fakeSource struct {
	mu         sync.Mutex
	result     livedata.Result
	refreshErr error
	refreshes  int
	listeners  map[int]func(livedata.Result)
	nextID     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		result: livedata.Result{
			LiveData: map[string]livedata.LiveDataForNode{
				"raw/orders": {
					AssetKey:         livedata.AssetKey{Path: []string{"raw", "orders"}},
					InProgressRunIDs: []string{"run-1"},
					UnstartedRunIDs:  []string{},
					Freshness:        livedata.FreshnessFresh,
				},
			},
			Status:    livedata.StatusReady,
			UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		listeners: make(map[int]func(livedata.Result)),
	}
}

func (f *fakeSource) Result() livedata.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

func (f *fakeSource) Refresh(context.Context) (livedata.Result, error) {
	f.mu.Lock()
	f.refreshes++
	if f.refreshErr != nil {
		f.result.Status = livedata.StatusError
		f.result.Error = f.refreshErr.Error()
	}
	err := f.refreshErr
	f.mu.Unlock()

	result := f.Result()
	f.publish(result)
	return result, err
}

func (f *fakeSource) OnUpdate(fn func(livedata.Result)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// set replaces the snapshot and notifies listeners.
func (f *fakeSource) set(r livedata.Result) {
	f.mu.Lock()
	f.result = r
	f.mu.Unlock()
	f.publish(r)
}

func (f *fakeSource) publish(r livedata.Result) {
	f.mu.Lock()
	fns := make([]func(livedata.Result), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

type fakeLookup struct {
	nodes map[string]livedata.LiveDataForNode
	err   error
	calls [][]livedata.AssetKey
}

func (f *fakeLookup) Lookup(_ context.Context, keys []livedata.AssetKey) (map[string]livedata.LiveDataForNode, error) {
	f.calls = append(f.calls, keys)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]livedata.LiveDataForNode)
	for _, k := range keys {
		if node, ok := f.nodes[k.String()]; ok {
			out[k.String()] = node
		}
	}
	return out, nil
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{nodes: map[string]livedata.LiveDataForNode{
		"clean/orders": {
			AssetKey:         livedata.AssetKey{Path: []string{"clean", "orders"}},
			InProgressRunIDs: []string{},
			UnstartedRunIDs:  []string{},
			Freshness:        livedata.FreshnessLate,
		},
	}}
}
