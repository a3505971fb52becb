package graphql_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VarunGitGood/livedata/internal/demobackend"
	"github.com/VarunGitGood/livedata/internal/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) (*demobackend.Backend, *httptest.Server) {
	t.Helper()
	backend, err := demobackend.New(nil)
	require.NoError(t, err)
	backend.AddAsset([]string{"raw", "orders"}, &demobackend.FreshnessPolicy{MaximumLagMinutes: 5})
	srv := httptest.NewServer(backend)
	t.Cleanup(func() {
		backend.Close()
		srv.Close()
	})
	return backend, srv
}

func TestClientQuery(t *testing.T) {
	_, srv := newBackend(t)
	client := graphql.NewClient(srv.URL, graphql.WithHeader("X-Test", "1"))

	var out struct {
		AssetNodes []struct {
			ID       string `json:"id"`
			AssetKey struct {
				Path []string `json:"path"`
			} `json:"assetKey"`
		} `json:"assetNodes"`
	}
	err := client.Query(context.Background(), `query { assetNodes { id assetKey { path } } }`, nil, &out)
	require.NoError(t, err)
	require.Len(t, out.AssetNodes, 1)
	assert.Equal(t, "raw/orders", out.AssetNodes[0].ID)
	assert.Equal(t, []string{"raw", "orders"}, out.AssetNodes[0].AssetKey.Path)
}

func TestClientResponseError(t *testing.T) {
	_, srv := newBackend(t)
	client := graphql.NewClient(srv.URL)

	err := client.Query(context.Background(), `query { noSuchField }`, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graphql.ErrResponse)

	var respErr *graphql.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.NotEmpty(t, respErr.Errors)
	assert.Contains(t, respErr.Error(), "noSuchField")
}

func TestClientTransportError(t *testing.T) {
	backend, srv := newBackend(t)
	client := graphql.NewClient(srv.URL)

	backend.FailNextQueries(1)
	err := client.Query(context.Background(), `query { assetNodes { id } }`, nil, nil)
	assert.ErrorIs(t, err, graphql.ErrTransport)
	assert.Contains(t, err.Error(), "503")

	srv.Close()
	err = client.Query(context.Background(), `query { assetNodes { id } }`, nil, nil)
	assert.ErrorIs(t, err, graphql.ErrTransport)
}

func TestClientContextCancelled(t *testing.T) {
	backend, srv := newBackend(t)
	backend.SetQueryDelay(time.Second)
	client := graphql.NewClient(srv.URL, graphql.WithHTTPClient(&http.Client{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Query(ctx, `query { assetNodes { id } }`, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseDocument(t *testing.T) {
	op, err := graphql.ParseDocument(`subscription Events { assetEvents { type } }`)
	require.NoError(t, err)
	assert.Equal(t, "Events", op.Name)
	assert.Equal(t, graphql.OperationSubscription, op.Kind)

	_, err = graphql.ParseDocument(`query {`)
	assert.Error(t, err)

	_, err = graphql.ParseDocument(`query A { a } query B { b }`)
	assert.Error(t, err)

	assert.Panics(t, func() { graphql.MustParse(`query Q { a }`, graphql.OperationSubscription) })
}

func TestSubscriberReceivesEvents(t *testing.T) {
	backend, srv := newBackend(t)
	sub := graphql.NewSubscriber("ws" + strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vars := map[string]any{"assetKeys": []map[string]any{{"path": []string{"raw", "orders"}}}}
	s, err := sub.Subscribe(ctx, `subscription { assetEvents { type } }`, vars)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.Eventually(t, func() bool { return backend.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	backend.Materialize([]string{"other", "asset"}, "run-0")
	backend.Materialize([]string{"raw", "orders"}, "run-1")

	select {
	case resp := <-s.Events:
		assert.Contains(t, string(resp.Data), "ASSET_MATERIALIZATION")
		assert.Contains(t, string(resp.Data), "run-1")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	s.Close()
	_, open := <-s.Events
	assert.False(t, open)
	assert.NoError(t, s.Err())
}

func TestSubscriberReportsDroppedConnection(t *testing.T) {
	backend, srv := newBackend(t)
	sub := graphql.NewSubscriber("ws" + strings.TrimPrefix(srv.URL, "http"))

	s, err := sub.Subscribe(context.Background(), `subscription { assetEvents { type } }`, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return backend.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	backend.DropConnections()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
	}
	assert.ErrorIs(t, s.Err(), graphql.ErrTransport)
}

func TestSubscriberDialFailure(t *testing.T) {
	sub := graphql.NewSubscriber("ws://127.0.0.1:1/graphql")
	_, err := sub.Subscribe(context.Background(), `subscription { assetEvents { type } }`, nil)
	assert.ErrorIs(t, err, graphql.ErrTransport)
}
