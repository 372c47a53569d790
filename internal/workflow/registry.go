package workflow

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type registryKey struct {
	name    string
	version int
}

// Registry maps (workflow name, version) to a Definition. It is populated
// once at startup, before any process or task operation runs, and is
// read-only afterwards; there is deliberately no mutex and no unregister.
type Registry struct {
	defs  map[registryKey]*Definition
	order []*Definition
	log   *logrus.Logger
}

func NewRegistry(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		defs: map[registryKey]*Definition{},
		log:  log,
	}
}

// Register validates and adds a definition. Registering the same
// (name, version) twice keeps the first definition and logs a warning; a
// silent overwrite would hide an authoring mistake.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	key := registryKey{name: d.Name, version: d.EffectiveVersion()}
	if _, ok := r.defs[key]; ok {
		r.log.WithFields(logrus.Fields{
			"workflow": d.Name,
			"version":  key.version,
		}).Warn("duplicate workflow registration ignored")
		return nil
	}
	r.defs[key] = d
	r.order = append(r.order, d)
	return nil
}

// Lookup returns the definition for (name, version). version <= 0 means 1.
func (r *Registry) Lookup(name string, version int) (*Definition, error) {
	if version <= 0 {
		version = 1
	}
	d, ok := r.defs[registryKey{name: name, version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrWorkflowNotRegistered, name, version)
	}
	return d, nil
}

// All returns every registered definition in registration order.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, len(r.order))
	copy(out, r.order)
	return out
}

// ForTarget returns the definitions bound to a target entity type, in
// registration order. Used to enumerate the workflow instances of an entity.
func (r *Registry) ForTarget(targetType string) []*Definition {
	var out []*Definition
	for _, d := range r.order {
		if d.TargetType == targetType {
			out = append(out, d)
		}
	}
	return out
}
