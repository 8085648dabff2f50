package blobstore

import (
	"context"

	"golang.org/x/time/rate"
)

// ThrottledStore wraps a Store and rate-limits writes. Bulk updates can
// emit thousands of node blobs in a burst; throttling keeps a shared
// backing store (or its request quota) usable by other tenants.
type ThrottledStore struct {
	inner   Store
	limiter *rate.Limiter
}

// NewThrottledStore limits Put and Delete to writesPerSec operations per
// second with the given burst.
func NewThrottledStore(inner Store, writesPerSec float64, burst int) *ThrottledStore {
	return &ThrottledStore{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(writesPerSec), burst),
	}
}

func (s *ThrottledStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.Put(ctx, name, data)
}

func (s *ThrottledStore) Get(ctx context.Context, name string) ([]byte, error) {
	return s.inner.Get(ctx, name)
}

func (s *ThrottledStore) Has(ctx context.Context, name string) (bool, error) {
	return s.inner.Has(ctx, name)
}

func (s *ThrottledStore) Delete(ctx context.Context, name string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.Delete(ctx, name)
}

func (s *ThrottledStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
