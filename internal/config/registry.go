package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/jarvis/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// CaptureFactory builds a capture device from its config section.
type CaptureFactory func(CaptureConfig) (audio.CaptureDevice, error)

// PlaybackFactory builds a playback platform from its config section.
type PlaybackFactory func(PlaybackConfig) (audio.PlaybackPlatform, error)

// Registry maps backend names to their constructor functions for each
// device kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]CaptureFactory
	playback map[string]PlaybackFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]CaptureFactory),
		playback: make(map[string]PlaybackFactory),
	}
}

// RegisterCapture registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback backend factory under name.
func (r *Registry) RegisterPlayback(name string, factory PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateCapture instantiates the capture device named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the playback platform named by cfg.Backend.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (audio.PlaybackPlatform, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// Backends returns the sorted registered names for kind ("capture" or
// "playback"). Unknown kinds return nil.
func (r *Registry) Backends(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "capture":
		for n := range r.capture {
			names = append(names, n)
		}
	case "playback":
		for n := range r.playback {
			names = append(names, n)
		}
	default:
		return nil
	}
	slices.Sort(names)
	return names
}
