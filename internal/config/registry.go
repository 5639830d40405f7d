package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vinylcast/pkg/audio"
)

// ErrSourceNotRegistered is returned by [Registry.CreateSource] for an
// unknown source kind.
var ErrSourceNotRegistered = errors.New("config: audio source not registered")

// SourceFactory builds a fresh source for one session.
type SourceFactory func(AudioConfig) (audio.Source, error)

// Registry maps source kinds to constructors. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[SourceKind]SourceFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[SourceKind]SourceFactory)}
}

// RegisterSource registers factory under kind, replacing any previous one.
func (r *Registry) RegisterSource(kind SourceKind, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[kind] = factory
}

// CreateSource builds the source selected by cfg.Source.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	f, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSourceNotRegistered, cfg.Source)
	}
	src, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s source: %w", cfg.Source, err)
	}
	return src, nil
}

// Sources lists the registered kinds in sorted order.
func (r *Registry) Sources() []SourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]SourceKind, 0, len(r.sources))
	for k := range r.sources {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
