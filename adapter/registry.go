package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	moroq "github.com/Moro-JS/moro-sub006"
)

// Factory constructs an adapter from a config. It must not touch the
// network; connectivity is established by Initialize.
type Factory func(cfg moroq.Config) (Adapter, error)

// Availability is the result of probing a backend.
type Availability struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend constructible by name. It is meant to be
// called from a backend package's init, like database/sql drivers.
// Registering a duplicate name or a nil factory panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("adapter: Register with nil factory")
	}
	if _, dup := registry[name]; dup {
		panic("adapter: Register called twice for backend " + name)
	}
	registry[name] = f
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs an adapter by backend name without initializing it.
// Unknown names return moroq.ErrUnknownBackend.
func New(name string, cfg moroq.Config) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", moroq.ErrUnknownBackend, name, Backends())
	}
	return f(cfg)
}

// Open constructs and initializes an adapter by backend name.
func Open(ctx context.Context, name string, cfg moroq.Config) (Adapter, error) {
	a, err := New(name, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Probe reports whether a backend can be constructed and initialized
// with the given config. The probe connection is closed before
// returning; use Open to keep one.
func Probe(ctx context.Context, name string, cfg moroq.Config) Availability {
	a, err := New(name, cfg)
	if err != nil {
		return Availability{Reason: err.Error()}
	}
	if err := a.Initialize(ctx); err != nil {
		return Availability{Reason: err.Error()}
	}
	if err := a.Close(ctx); err != nil {
		return Availability{OK: true, Reason: "close: " + err.Error()}
	}
	return Availability{OK: true}
}
