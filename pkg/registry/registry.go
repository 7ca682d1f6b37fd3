/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: registry.go
Description: Explicit name to constructor registry shared by protocols, anomalies and
transports. Instances are owned by the bootstrap code and injected, never global, so tests
can build isolated registries. Re-registering a name is an error unless overwrite is enabled.
*/

package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound  = errors.New("not registered")
	ErrDuplicate = errors.New("already registered")
)

// NotFoundError names the missing entry and what is available
type NotFoundError struct {
	Kind      string
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s '%s'. Available: %s", e.Kind, e.Name, strings.Join(e.Available, ", "))
}

// Is makes NotFoundError match ErrNotFound
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Metadata describes a registered implementation
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	AppliesTo   []string `json:"applies_to,omitempty"`
}

// Constructor builds an instance of T from configuration C
type Constructor[C, T any] func(cfg C) (T, error)

type entry[C, T any] struct {
	meta Metadata
	ctor Constructor[C, T]
}

// Registry maps names to constructors taking C and producing T
type Registry[C, T any] struct {
	kind           string
	logger         *logrus.Logger
	mu             sync.RWMutex
	entries        map[string]entry[C, T]
	allowOverwrite bool
}

// New creates an empty registry. kind is used in error messages ("anomaly", "transport").
func New[C, T any](kind string, logger *logrus.Logger) *Registry[C, T] {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry[C, T]{
		kind:    kind,
		logger:  logger,
		entries: make(map[string]entry[C, T]),
	}
}

// AllowOverwrite lets a later Register replace an existing name (with a warning)
func (r *Registry[C, T]) AllowOverwrite(allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowOverwrite = allow
}

// Register adds a constructor under meta.Name
func (r *Registry[C, T]) Register(meta Metadata, ctor Constructor[C, T]) error {
	if meta.Name == "" {
		return fmt.Errorf("%s registration requires a name", r.kind)
	}
	if ctor == nil {
		return fmt.Errorf("%s '%s' registered with nil constructor", r.kind, meta.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[meta.Name]; exists {
		if !r.allowOverwrite {
			return fmt.Errorf("%s '%s' %w", r.kind, meta.Name, ErrDuplicate)
		}
		r.logger.WithFields(logrus.Fields{
			"kind": r.kind,
			"name": meta.Name,
		}).Warn("Overwriting existing registration")
	}
	r.entries[meta.Name] = entry[C, T]{meta: meta, ctor: ctor}
	return nil
}

// MustRegister is Register for bootstrap code where a failure is a programming error
func (r *Registry[C, T]) MustRegister(meta Metadata, ctor Constructor[C, T]) {
	if err := r.Register(meta, ctor); err != nil {
		panic(err)
	}
}

// Create instantiates the named implementation
func (r *Registry[C, T]) Create(name string, cfg C) (T, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		var zero T
		return zero, &NotFoundError{Kind: r.kind, Name: name, Available: r.Names()}
	}
	return e.ctor(cfg)
}

// Lookup returns the metadata of a registered name
func (r *Registry[C, T]) Lookup(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.meta, ok
}

// Has reports whether name is registered
func (r *Registry[C, T]) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// List returns metadata sorted by name, filtered by category when non-empty
func (r *Registry[C, T]) List(category string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		if category != "" && e.meta.Category != category {
			continue
		}
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered names, sorted
func (r *Registry[C, T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
