package livedata

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store keeps the last known live data per asset, bounded by size.
type Store struct {
	cache *lru.Cache[string, LiveDataForNode]
}

func NewStore(size int) (*Store, error) {
	cache, err := lru.New[string, LiveDataForNode](size)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

func (s *Store) Put(nodes map[string]LiveDataForNode) {
	for key, node := range nodes {
		s.cache.Add(key, node)
	}
}

func (s *Store) Get(key string) (LiveDataForNode, bool) {
	return s.cache.Get(key)
}

// Lookup splits keys into those with a stored entry and those without.
func (s *Store) Lookup(keys []AssetKey) (map[string]LiveDataForNode, []AssetKey) {
	found := make(map[string]LiveDataForNode, len(keys))
	var missing []AssetKey
	for _, key := range keys {
		if node, ok := s.cache.Get(key.String()); ok {
			found[key.String()] = node
			continue
		}
		missing = append(missing, key)
	}
	return found, missing
}

func (s *Store) Len() int {
	return s.cache.Len()
}
