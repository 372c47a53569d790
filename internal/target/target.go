// Package target maps entity type names to the capabilities the workflow
// engine needs from the external entities it governs: fetch-by-id and the
// application name used to derive permission strings.
package target

import (
	"context"
	"fmt"
)

// Accessor exposes one target entity type to the engine.
type Accessor interface {
	// AppName is the owning application's name, used as the permission
	// string prefix.
	AppName() string
	// Fetch loads the entity by id, returning an error when it does not
	// exist. The engine only cares about existence; the value is passed
	// through to callers.
	Fetch(ctx context.Context, id string) (any, error)
}

// Registry maps a target entity type name to its Accessor. Like the workflow
// registry it is populated at startup and read-only afterwards.
type Registry struct {
	accessors map[string]Accessor
}

func NewRegistry() *Registry {
	return &Registry{accessors: map[string]Accessor{}}
}

func (r *Registry) Register(entityType string, acc Accessor) {
	r.accessors[entityType] = acc
}

func (r *Registry) Lookup(entityType string) (Accessor, bool) {
	acc, ok := r.accessors[entityType]
	return acc, ok
}

// Fetch resolves the accessor for ref's type and loads the entity.
func (r *Registry) Fetch(ctx context.Context, entityType, id string) (any, error) {
	acc, ok := r.Lookup(entityType)
	if !ok {
		return nil, fmt.Errorf("unknown target entity type %s", entityType)
	}
	return acc.Fetch(ctx, id)
}

// StaticAccessor is a map-backed Accessor, convenient for wiring simple
// entity sources and for tests.
type StaticAccessor struct {
	App      string
	Entities map[string]any
}

func (s StaticAccessor) AppName() string { return s.App }

func (s StaticAccessor) Fetch(_ context.Context, id string) (any, error) {
	v, ok := s.Entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", id)
	}
	return v, nil
}
