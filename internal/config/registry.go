package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	classifier map[string]func(ProviderEntry) (classifier.Engine, error)
	audio      map[string]func(ProviderEntry) (audio.Source, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		classifier: make(map[string]func(ProviderEntry) (classifier.Engine, error)),
		audio:      make(map[string]func(ProviderEntry) (audio.Source, error)),
	}
}

// RegisterClassifier registers a classifier engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterClassifier(name string, factory func(ProviderEntry) (classifier.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// RegisterAudio registers an audio source factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateClassifier instantiates the classifier engine registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateClassifier(entry ProviderEntry) (classifier.Engine, error) {
	r.mu.RLock()
	factory, ok := r.classifier[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates the audio source registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// ClassifierNames returns the registered classifier names, sorted.
func (r *Registry) ClassifierNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.classifier)
}

// AudioNames returns the registered audio source names, sorted.
func (r *Registry) AudioNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.audio)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
