package store

import (
	"hash/maphash"
	"sync"
)

// KeyLock serializes writers per key using a fixed set of striped
// mutexes. Two keys may share a stripe; that only costs concurrency.
// Readers never take it.
type KeyLock struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

// NewKeyLock returns a KeyLock with n stripes (minimum 1).
func NewKeyLock(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	return &KeyLock{seed: maphash.MakeSeed(), stripes: make([]sync.Mutex, n)}
}

func (l *KeyLock) stripe(key string) *sync.Mutex {
	return &l.stripes[maphash.String(l.seed, key)%uint64(len(l.stripes))]
}

// Lock locks key and returns the matching unlock function.
//
//	defer locks.Lock(key)()
func (l *KeyLock) Lock(key string) func() {
	mu := l.stripe(key)
	mu.Lock()
	return mu.Unlock
}
