package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

type Kind string

const (
	KindBackend  Kind = "backend"
	KindChannel  Kind = "channel"
	KindTool     Kind = "tool"
	KindObserver Kind = "observer"
	KindMemory   Kind = "memory"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBackend, KindChannel, KindTool, KindObserver, KindMemory:
		return true
	default:
		return false
	}
}

// ConfigError is a startup-time wiring failure. It is always fatal.
type ConfigError struct {
	Kind   Kind
	Name   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("config error: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("config error: %s %q: %s", e.Kind, e.Name, e.Reason)
}

type binding struct {
	name string
	impl any
}

// Registry maps capability kinds to implementations. Bindings are added
// before Seal and only read afterwards, so lookups after Seal take no lock.
type Registry struct {
	mu       sync.Mutex
	sealed   atomic.Bool
	ordered  map[Kind][]binding
	byName   map[Kind]map[string]any
	defaults map[Kind]string
}

func New() *Registry {
	return &Registry{
		ordered:  make(map[Kind][]binding),
		byName:   make(map[Kind]map[string]any),
		defaults: make(map[Kind]string),
	}
}

func (r *Registry) Register(kind Kind, name string, impl any) error {
	if !kind.Valid() {
		return &ConfigError{Kind: kind, Name: name, Reason: "unknown capability kind"}
	}
	key := normalizeName(name)
	if key == "" {
		return &ConfigError{Kind: kind, Reason: "binding name is required"}
	}
	if impl == nil {
		return &ConfigError{Kind: kind, Name: key, Reason: "implementation is nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return &ConfigError{Kind: kind, Name: key, Reason: "registry is sealed"}
	}
	names, ok := r.byName[kind]
	if !ok {
		names = make(map[string]any)
		r.byName[kind] = names
	}
	if _, exists := names[key]; exists {
		return &ConfigError{Kind: kind, Name: key, Reason: "already registered"}
	}
	names[key] = impl
	r.ordered[kind] = append(r.ordered[kind], binding{name: key, impl: impl})
	if _, ok := r.defaults[kind]; !ok {
		r.defaults[kind] = key
	}
	return nil
}

// SetDefault selects which binding Resolve returns for an empty name.
func (r *Registry) SetDefault(kind Kind, name string) error {
	key := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return &ConfigError{Kind: kind, Name: key, Reason: "registry is sealed"}
	}
	if _, ok := r.byName[kind][key]; !ok {
		return &ConfigError{Kind: kind, Name: key, Reason: "not registered"}
	}
	r.defaults[kind] = key
	return nil
}

func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Resolve returns the binding for kind and name. An empty name resolves the
// default binding of that kind.
func (r *Registry) Resolve(kind Kind, name string) (any, error) {
	if !r.sealed.Load() {
		return nil, &ConfigError{Kind: kind, Name: name, Reason: "registry is not sealed"}
	}
	key := normalizeName(name)
	if key == "" {
		key = r.defaults[kind]
		if key == "" {
			return nil, &ConfigError{Kind: kind, Reason: "no binding registered"}
		}
	}
	impl, ok := r.byName[kind][key]
	if !ok {
		return nil, &ConfigError{Kind: kind, Name: key, Reason: "no binding registered"}
	}
	return impl, nil
}

func ResolveAs[T any](r *Registry, kind Kind, name string) (T, error) {
	var zero T
	impl, err := r.Resolve(kind, name)
	if err != nil {
		return zero, err
	}
	typed, ok := impl.(T)
	if !ok {
		return zero, &ConfigError{Kind: kind, Name: name, Reason: fmt.Sprintf("binding has type %T", impl)}
	}
	return typed, nil
}

// AllAs returns every binding of kind in registration order.
func AllAs[T any](r *Registry, kind Kind) ([]T, error) {
	if !r.sealed.Load() {
		return nil, &ConfigError{Kind: kind, Reason: "registry is not sealed"}
	}
	bindings := r.ordered[kind]
	out := make([]T, 0, len(bindings))
	for _, b := range bindings {
		typed, ok := b.impl.(T)
		if !ok {
			return nil, &ConfigError{Kind: kind, Name: b.name, Reason: fmt.Sprintf("binding has type %T", b.impl)}
		}
		out = append(out, typed)
	}
	return out, nil
}

func (r *Registry) Names(kind Kind) []string {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	bindings := r.ordered[kind]
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		names = append(names, b.name)
	}
	return names
}

// Require fails with a ConfigError when any of kinds has no binding.
func (r *Registry) Require(kinds ...Kind) error {
	for _, kind := range kinds {
		if _, err := r.Resolve(kind, ""); err != nil {
			return err
		}
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
