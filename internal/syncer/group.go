package syncer

import (
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// newLimitedGroup returns an errgroup running at most n goroutines at once.
// n < 1 means one.
func newLimitedGroup(n int) *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(max(n, 1))
	return g
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    gosync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   gosync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	ent, ok := k.locks[key]
	if !ok {
		ent = &keyedEntry{}
		k.locks[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	ent.mu.Lock()
	return func() {
		ent.mu.Unlock()
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
