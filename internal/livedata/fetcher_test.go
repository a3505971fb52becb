package livedata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VarunGitGood/livedata/internal/collapser"
	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// versionedQuerier answers with the catalog version it saw when the query
// started. Queries that start at version 0 block until released.
type versionedQuerier struct {
	version atomic.Int32
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newVersionedQuerier() *versionedQuerier {
	return &versionedQuerier{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (q *versionedQuerier) Do(ctx context.Context, _ graphql.Request) (json.RawMessage, error) {
	v := q.version.Load()
	q.calls.Add(1)
	q.started <- struct{}{}
	if v == 0 {
		select {
		case <-q.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.RawMessage(fmt.Sprintf(`{
	  "assetNodes": [{"id": "raw/orders", "assetKey": {"path": ["raw", "orders"]}}],
	  "assetsLatestInfo": [{"assetKey": {"path": ["raw", "orders"]},
	    "unstartedRunIds": [], "inProgressRunIds": [],
	    "latestMaterialization": {"runId": "v%d", "timestamp": "1700000000000"}}]
	}`, v)), nil
}

func newTestFetcher(t *testing.T, q Querier) *Fetcher {
	t.Helper()
	c := collapser.NewCollapser(collapser.Config{ResultCacheDuration: time.Minute, BackendTimeout: 5 * time.Second})
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })
	store, err := NewStore(16)
	require.NoError(t, err)
	return NewFetcher(q, c, store, nil)
}

func TestFreshFetchDoesNotJoinEarlierLookup(t *testing.T) {
	q := newVersionedQuerier()
	f := newTestFetcher(t, q)
	keys, _ := ParseAssetKeys([]string{"raw/orders"})

	lookupDone := make(chan map[string]LiveDataForNode, 1)
	go func() {
		nodes, err := f.Lookup(context.Background(), keys)
		assert.NoError(t, err)
		lookupDone <- nodes
	}()
	<-q.started

	q.version.Store(1)
	nodes, err := f.Fetch(context.Background(), keys, true)
	require.NoError(t, err)
	require.NotNil(t, nodes["raw/orders"].LastMaterialization)
	assert.Equal(t, "v1", nodes["raw/orders"].LastMaterialization.RunID)
	assert.Equal(t, int32(2), q.calls.Load())

	close(q.release)
	early := <-lookupDone
	assert.Equal(t, "v0", early["raw/orders"].LastMaterialization.RunID)

	// The cached result is the newer one.
	nodes, err = f.Fetch(context.Background(), keys, false)
	require.NoError(t, err)
	assert.Equal(t, "v1", nodes["raw/orders"].LastMaterialization.RunID)
	assert.Equal(t, int32(2), q.calls.Load())
}

func TestConcurrentLookupsShareOneQuery(t *testing.T) {
	q := newVersionedQuerier()
	f := newTestFetcher(t, q)
	keys, _ := ParseAssetKeys([]string{"raw/orders"})

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.Lookup(context.Background(), keys)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	<-q.started
	time.Sleep(20 * time.Millisecond)
	close(q.release)
	<-done
	<-done
	assert.Equal(t, int32(1), q.calls.Load())
}
