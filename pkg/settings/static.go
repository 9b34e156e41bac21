package settings

import (
	"context"
	"sync"
)

// StaticSource is an in-process Store, used for defaults layered under the database and in tests.
type StaticSource struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticSource copies values into a new StaticSource.
func NewStaticSource(values map[string]string) *StaticSource {
	copied := make(map[string]string, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return &StaticSource{values: copied}
}

// Lookup implements Source.
func (source *StaticSource) Lookup(_ context.Context, key string) (string, bool, error) {
	source.mu.RLock()
	defer source.mu.RUnlock()
	value, found := source.values[key]
	return value, found, nil
}

// Set implements Store.
func (source *StaticSource) Set(_ context.Context, key string, value string) error {
	validKey, err := ValidateKey(key)
	if err != nil {
		return err
	}
	source.mu.Lock()
	defer source.mu.Unlock()
	source.values[validKey] = value
	return nil
}
