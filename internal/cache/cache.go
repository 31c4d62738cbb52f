package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// ProductCache holds catalog rows read on the sale path. Prices are still
// snapshotted onto sale lines, so a stale entry never changes a stored sale.
type ProductCache interface {
	Get(ctx context.Context, productID string) (*domain.Product, bool, error)
	Set(ctx context.Context, product domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, productID string) error
}

// Locker hands out short best-effort leases across processes.
type Locker interface {
	// Obtain returns ok=false, with no error, when another holder has the key.
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

// NoopLocker always grants the lease. It is used when Redis is not
// configured and only one dispatcher runs.
type NoopLocker struct{}

func (NoopLocker) Obtain(_ context.Context, _ string, _ time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
