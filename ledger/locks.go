package ledger

import (
	"context"
	"sync"
)

// =============================================================================
// KEYED MUTEX - Per-user mutual exclusion
// =============================================================================

// KeyedMutex serializes callers that share a key while letting different
// keys proceed in parallel. Entries are reference counted and removed when
// the last holder or waiter leaves, so the map only holds active users.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[UserID]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[UserID]*keyedEntry)}
}

// Lock blocks until the key is free or ctx is done. On success the
// returned func must be called exactly once to release the key.
func (k *KeyedMutex) Lock(ctx context.Context, key UserID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.leave(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.leave(key, e)
		})
	}, nil
}

func (k *KeyedMutex) leave(key UserID, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
