// Package registry maps lower-cased names to constructors.
//
// A Registry is scoped to one category ("model", "pipeline", "orchestrator").
// Registration happens in one explicit startup call per component, never at
// import time, so the contents of a registry are fully determined by the order
// of those calls.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotRegistered     = errors.New("not registered")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrEmptyName         = errors.New("empty name")
)

// NotRegisteredError is returned by Resolve for unknown names.
type NotRegisteredError struct {
	Category string
	Name     string
	Known    []string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("trying to access a %s that has not been registered: %q (known: %s)",
		e.Category, e.Name, strings.Join(e.Known, ", "))
}

func (e *NotRegisteredError) Unwrap() error {
	return ErrNotRegistered
}

type Registry[F any] struct {
	category string

	mu      sync.RWMutex
	entries map[string]F
}

func New[F any](category string) *Registry[F] {
	return &Registry[F]{
		category: category,
		entries:  make(map[string]F),
	}
}

func (r *Registry[F]) Category() string {
	return r.category
}

// Register stores ctor under Key(name).
// Registering the same key twice is an error; the first registration wins.
func (r *Registry[F]) Register(name string, ctor F) error {
	key := Key(name)
	if key == "" {
		return fmt.Errorf("%s registry: %w", r.category, ErrEmptyName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%s %q: %w", r.category, key, ErrAlreadyRegistered)
	}
	r.entries[key] = ctor
	return nil
}

func (r *Registry[F]) MustRegister(name string, ctor F) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

func (r *Registry[F]) Resolve(name string) (F, error) {
	key := Key(name)
	r.mu.RLock()
	ctor, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		var zero F
		return zero, &NotRegisteredError{Category: r.category, Name: key, Known: r.Names()}
	}
	return ctor, nil
}

func (r *Registry[F]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[Key(name)]
	return ok
}

// Names returns the registered keys, sorted.
func (r *Registry[F]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key is the name a registry stores and resolves name under.
func Key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
