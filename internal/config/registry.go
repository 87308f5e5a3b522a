package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/dualmic/internal/pipeline"
	"github.com/MrWong99/dualmic/pkg/audio"
	"github.com/MrWong99/dualmic/pkg/provider/vad"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: implementation not registered")

// Registry maps implementation names to constructor functions for each
// pluggable component. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	vad     map[string]func(VADConfig) (vad.Engine, error)
	capture map[string]func(*Config) (audio.Capture, error)
	sink    map[string]func(SinkEntry) (pipeline.Sink, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:     make(map[string]func(VADConfig) (vad.Engine, error)),
		capture: make(map[string]func(*Config) (audio.Capture, error)),
		sink:    make(map[string]func(SinkEntry) (pipeline.Sink, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterCapture registers a capture factory under name. The factory
// receives the full config because capture sources read their own section.
func (r *Registry) RegisterCapture(name string, factory func(*Config) (audio.Capture, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterSink registers a segment sink factory under name.
func (r *Registry) RegisterSink(name string, factory func(SinkEntry) (pipeline.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink[name] = factory
}

// CreateVAD instantiates the VAD engine registered under cfg.Engine.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateCapture instantiates the capture registered under cfg.Audio.Capture.
func (r *Registry) CreateCapture(cfg *Config) (audio.Capture, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Audio.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrNotRegistered, cfg.Audio.Capture)
	}
	return factory(cfg)
}

// CreateSink instantiates the sink registered under entry.Name.
func (r *Registry) CreateSink(entry SinkEntry) (pipeline.Sink, error) {
	r.mu.RLock()
	factory, ok := r.sink[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sink/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted names registered for kind ("vad", "capture" or
// "sink"). Used for startup logging.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "vad":
		names = keys(r.vad)
	case "capture":
		names = keys(r.capture)
	case "sink":
		names = keys(r.sink)
	}
	slices.Sort(names)
	return names
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
