package stream

import (
	"sort"
	"sync"

	"zen-engine/internal/model"
)

// Registry holds one Container per stream key.
type Registry struct {
	opts Options

	mu         sync.RWMutex
	containers map[model.StreamKey]*Container
}

// NewRegistry validates opts and creates an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	return &Registry{opts: opts, containers: make(map[model.StreamKey]*Container)}, nil
}

// GetOrCreate returns the container for key, creating it on first use.
func (r *Registry) GetOrCreate(key model.StreamKey) (*Container, error) {
	r.mu.RLock()
	c, ok := r.containers[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[key]; ok {
		return c, nil
	}
	c, err := NewContainer(key, r.opts)
	if err != nil {
		return nil, err
	}
	r.containers[key] = c
	return c, nil
}

// Get returns an existing container.
func (r *Registry) Get(key model.StreamKey) (*Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[key]
	return c, ok
}

// Keys returns all registered keys sorted by freq then symbol.
func (r *Registry) Keys() []model.StreamKey {
	r.mu.RLock()
	keys := make([]model.StreamKey, 0, len(r.containers))
	for k := range r.containers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Freq != keys[j].Freq {
			return keys[i].Freq < keys[j].Freq
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

// Len returns the number of containers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}
