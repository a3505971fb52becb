package livedata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/VarunGitGood/livedata/internal/collapser"
	"github.com/VarunGitGood/livedata/internal/graphql"
	"go.uber.org/zap"
)

// Querier runs a GraphQL request. *graphql.Client satisfies it.
type Querier interface {
	Do(ctx context.Context, req graphql.Request) (json.RawMessage, error)
}

// Fetcher loads live data for asset key sets. Concurrent fetches of the same
// set share one backend query.
type Fetcher struct {
	querier   Querier
	collapser *collapser.Collapser
	store     *Store
	logger    *zap.Logger
}

func NewFetcher(q Querier, c *collapser.Collapser, store *Store, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{querier: q, collapser: c, store: store, logger: logger}
}

// Fetch queries the backend for keys. With fresh set, a recently cached
// result for the same set is discarded first.
func (f *Fetcher) Fetch(ctx context.Context, keys []AssetKey, fresh bool) (map[string]LiveDataForNode, error) {
	setID := keySetID(keys)
	if fresh {
		f.collapser.Forget(setID)
	}

	vars := map[string]any{"assetKeys": keyInputs(keys)}
	raw, err := f.collapser.Execute(ctx, setID, func(ctx context.Context) ([]byte, error) {
		data, err := f.querier.Do(ctx, graphql.Request{
			Query:         AssetLiveDataQuery,
			OperationName: assetLiveDataOperation,
			Variables:     vars,
		})
		return data, err
	})
	if err != nil {
		return nil, err
	}

	var resp AssetLiveDataResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode live data: %w", err)
	}
	nodes := BuildLiveData(resp)
	f.store.Put(nodes)
	return nodes, nil
}

// Lookup serves ad-hoc requests. When the backend fails it falls back to the
// last known data, provided every key has some.
func (f *Fetcher) Lookup(ctx context.Context, keys []AssetKey) (map[string]LiveDataForNode, error) {
	nodes, err := f.Fetch(ctx, keys, false)
	if err == nil {
		return nodes, nil
	}
	found, missing := f.store.Lookup(keys)
	if len(missing) > 0 || ctx.Err() != nil {
		return nil, err
	}
	f.logger.Warn("serving last known live data", zap.Int("assets", len(found)), zap.Error(err))
	return found, nil
}

func (f *Fetcher) Store() *Store {
	return f.store
}
