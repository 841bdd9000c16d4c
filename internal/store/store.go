// Package store declares the ConfigStore collaborator interface the core
// consumes but never implements durably (spec.md §6: "durability is the
// store's concern; the core treats returned configs as authoritative").
package store

import (
	"sync"

	"github.com/gpuctl/core/internal/types"
)

// ConfigStore persists operator-declared ModelConfigs outside the core. A
// real implementation (SQL, file-backed, etcd, ...) lives in the excluded
// wrapper; the core only ever talks to this interface.
type ConfigStore interface {
	Save(cfg types.ModelConfig) error
	LoadAll() ([]types.ModelConfig, error)
	Delete(id types.ModelID) error
	Subscribe(callback func(types.ModelConfig)) (unsubscribe func())
}

// InMemory is a ConfigStore test double: no durability, synchronous
// callback delivery on Save. Useful for unit tests and as a development
// fallback when no external store is wired.
type InMemory struct {
	mu            sync.Mutex
	configs       map[types.ModelID]types.ModelConfig
	nextSubID     int
	subscriberIDs map[int]func(types.ModelConfig)
}

// NewInMemory constructs an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		configs:       make(map[types.ModelID]types.ModelConfig),
		subscriberIDs: make(map[int]func(types.ModelConfig)),
	}
}

func (s *InMemory) Save(cfg types.ModelConfig) error {
	s.mu.Lock()
	s.configs[cfg.ID] = cfg
	subs := make([]func(types.ModelConfig), 0, len(s.subscriberIDs))
	for _, cb := range s.subscriberIDs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		cb(cfg)
	}
	return nil
}

func (s *InMemory) LoadAll() ([]types.ModelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ModelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func (s *InMemory) Delete(id types.ModelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
	return nil
}

// Subscribe registers callback for every future Save. The returned
// unsubscribe func is idempotent.
func (s *InMemory) Subscribe(callback func(types.ModelConfig)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscriberIDs[id] = callback
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscriberIDs, id)
			s.mu.Unlock()
		})
	}
}
