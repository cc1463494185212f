package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructor functions for the remote provider and
// the audio device backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	provider map[string]func(ProviderEntry) (s2s.Provider, error)
	capture  map[string]func() (audio.CaptureDevice, error)
	output   map[string]func() (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		provider: make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture:  make(map[string]func() (audio.CaptureDevice, error)),
		output:   make(map[string]func() (audio.OutputDevice, error)),
	}
}

// RegisterProvider registers a speech-to-speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider[name] = factory
}

// RegisterCapture registers a microphone backend factory under name.
func (r *Registry) RegisterCapture(name string, factory func() (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterOutput registers a speaker backend factory under name.
func (r *Registry) RegisterOutput(name string, factory func() (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateProvider instantiates the provider named by entry.Name.
// Returns [ErrProviderNotRegistered] if no factory is registered under that name.
func (r *Registry) CreateProvider(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	f, ok := r.provider[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return f(entry)
}

// CreateCapture instantiates the microphone backend registered under name.
func (r *Registry) CreateCapture(name string) (audio.CaptureDevice, error) {
	r.mu.RLock()
	f, ok := r.capture[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capture %q: %w", name, ErrProviderNotRegistered)
	}
	return f()
}

// CreateOutput instantiates the speaker backend registered under name.
func (r *Registry) CreateOutput(name string) (audio.OutputDevice, error) {
	r.mu.RLock()
	f, ok := r.output[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("output %q: %w", name, ErrProviderNotRegistered)
	}
	return f()
}

// Names returns the sorted names registered for kind ("provider", "capture"
// or "output"). Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "provider":
		return slices.Sorted(maps.Keys(r.provider))
	case "capture":
		return slices.Sorted(maps.Keys(r.capture))
	case "output":
		return slices.Sorted(maps.Keys(r.output))
	}
	return nil
}
