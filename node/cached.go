package node

import (
	"context"

	"github.com/hupe1980/merkledb/internal/cache"
)

// CachedStore wraps a Store with an LRU of decoded nodes keyed by digest.
// Nodes are immutable, so cached values never need invalidation.
type CachedStore struct {
	inner Store
	lru   *cache.LRU[Digest, Node]
}

// NewCachedStore caches up to capacity bytes of decoded nodes, estimated by
// their encoded size.
func NewCachedStore(inner Store, capacity int64) *CachedStore {
	return &CachedStore{
		inner: inner,
		lru:   cache.NewLRU[Digest, Node](capacity),
	}
}

func (s *CachedStore) Put(ctx context.Context, n Node) (Ref, error) {
	ref, err := s.inner.Put(ctx, n)
	if err != nil {
		return Ref{}, err
	}
	s.lru.Set(ref.Digest, n, encodedSize(n))
	return ref, nil
}

func (s *CachedStore) Get(ctx context.Context, d Digest) (Node, error) {
	if n, ok := s.lru.Get(d); ok {
		return n, nil
	}
	n, err := s.inner.Get(ctx, d)
	if err != nil {
		return nil, err
	}
	s.lru.Set(d, n, encodedSize(n))
	return n, nil
}

// Stats returns cache hit and miss counters.
func (s *CachedStore) Stats() (hits, misses int64) {
	return s.lru.Stats()
}

func encodedSize(n Node) int64 {
	payload, _, err := Encode(n)
	if err != nil {
		return 1
	}
	return int64(len(payload))
}
