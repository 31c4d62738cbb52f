package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"posledger/backend/internal/store"
)

// keyLocks hands out one binary semaphore per key so units of work on
// different keys never wait on each other.
type keyLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newKeyLocks() *keyLocks {
	return &keyLocks{sems: make(map[string]*semaphore.Weighted)}
}

func (l *keyLocks) get(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	return sem
}

// acquire takes every key in sorted order and returns a release func. It
// gives up with a PersistenceError once timeout elapses or ctx ends.
func (l *keyLocks) acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	unique := make(map[string]struct{}, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := unique[key]; ok {
			continue
		}
		unique[key] = struct{}{}
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	held := make([]*semaphore.Weighted, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, key := range sorted {
		sem := l.get(key)
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, &store.PersistenceError{Op: "lock " + key, Err: store.ErrLockTimeout}
		}
		held = append(held, sem)
	}
	return release, nil
}

func inventoryLockKey(key store.InventoryKey) string {
	return "inv:" + key.String()
}

func inventoryLockKeys(keys []store.InventoryKey) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, inventoryLockKey(key))
	}
	return out
}
