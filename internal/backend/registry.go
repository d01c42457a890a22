package backend

import (
	"fmt"
	"slices"
	"sync"
)

// Constructor creates a Backend from options.
// Implementations register themselves with the registry using Register().
type Constructor func(opts Options) (Backend, error)

// registry maps backend kinds to their constructors
var (
	registry      = make(map[Kind]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor.
// This is called from init() functions in implementation packages.
func Register(k Kind, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("backend: Register constructor is nil for kind %s", k))
	}

	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("backend: Register called twice for kind %s", k))
	}

	registry[k] = constructor
}

// Open creates a backend of the given kind.
func Open(k Kind, opts Options) (Backend, error) {
	registryMutex.RLock()
	constructor := registry[k]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", k, RegisteredKinds())
	}
	return constructor(opts)
}

// IsRegistered returns true if a constructor is registered for the given kind.
func IsRegistered(k Kind) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[k]
	return exists
}

// RegisteredKinds returns all registered kinds, sorted.
func RegisteredKinds() []Kind {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
