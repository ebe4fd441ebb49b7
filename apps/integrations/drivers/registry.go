package drivers

import (
	"sort"
	"sync"
)

var (
	registry     = make(map[string]Adapter)
	registryLock sync.RWMutex
)

// Register adds an adapter to the registry, replacing any previous one.
func Register(adapter Adapter) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[adapter.Provider()] = adapter
}

// Get returns an adapter by provider.
func Get(provider string) (Adapter, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	adapter, ok := registry[provider]
	return adapter, ok
}

// GetAll returns all registered adapters ordered by provider.
func GetAll() []Adapter {
	registryLock.RLock()
	defer registryLock.RUnlock()

	result := make([]Adapter, 0, len(registry))
	for _, adapter := range registry {
		result = append(result, adapter)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Provider() < result[j].Provider()
	})
	return result
}

// Descriptors lists every registered provider.
func Descriptors() []Descriptor {
	adapters := GetAll()
	result := make([]Descriptor, 0, len(adapters))
	for _, adapter := range adapters {
		result = append(result, adapter.Descriptor())
	}
	return result
}
