package powersupply

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/infn-epics/pshal/internal/channel"
)

// Env carries the collaborators a driver needs beyond its parameters.
type Env struct {
	// Channels resolves process variable names. Required by dante.
	Channels channel.Provider

	// Layout overrides the channel suffixes; zero fields use the defaults.
	Layout channel.SupplyLayout

	Logger    Logger
	Telemetry Telemetry
	History   TransitionRecorder
}

// Constructor builds a device from its parameters.
type Constructor func(name, prefix string, params Params, env Env) (Device, error)

// Registry maps driver tags to constructors. Tags are case-insensitive and
// registering a tag again replaces the previous constructor.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register associates tag with c.
func (r *Registry) Register(tag string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[strings.ToLower(tag)] = c
}

// Create builds a device with the constructor registered for tag.
func (r *Registry) Create(tag, name, prefix string, params Params, env Env) (Device, error) {
	r.mu.RLock()
	c, ok := r.ctors[strings.ToLower(tag)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriverType, tag)
	}

	d, err := c(name, prefix, params, env)
	if err != nil {
		return nil, fmt.Errorf("creating %s %s: %w", tag, name, err)
	}
	return d, nil
}

// Types lists the registered tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

var defaultRegistry = NewRegistry()

// RegisterType registers c in the process-wide registry.
func RegisterType(tag string, c Constructor) {
	defaultRegistry.Register(tag, c)
}

// Create builds a device from the process-wide registry.
func Create(tag, name, prefix string, params Params, env Env) (Device, error) {
	return defaultRegistry.Create(tag, name, prefix, params, env)
}

// Types lists the tags of the process-wide registry.
func Types() []string {
	return defaultRegistry.Types()
}

func init() {
	RegisterType(DriverDante, func(name, prefix string, params Params, env Env) (Device, error) {
		opts, err := ParseParams(params)
		if err != nil {
			return nil, err
		}
		return NewDante(name, prefix, opts, env)
	})
	RegisterType(DriverSim, func(name, prefix string, params Params, env Env) (Device, error) {
		opts, err := ParseParams(params)
		if err != nil {
			return nil, err
		}
		return NewSim(name, prefix, opts, env)
	})
}
