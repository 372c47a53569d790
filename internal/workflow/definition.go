package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"octoflow/internal/domain"
)

// ActionFunc is a side effect attached to a transition, run before the state
// mutation is persisted. Returning an error aborts the transition.
type ActionFunc func(ctx context.Context, proc *domain.Process, tr Transition) error

// ResolverFunc produces candidate user or group identifiers for a manual
// transition. Resolvers must be pure with respect to the transition's
// immutable fields; results may be cached.
type ResolverFunc func(ctx context.Context, proc domain.Process, tr Transition) ([]string, error)

type State struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Transition is a directed edge between two states. CreateTask is a
// three-valued flag defaulting to true; use CreatesTask.
type Transition struct {
	Name        string `yaml:"name" json:"name"`
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	Manual      bool   `yaml:"manual" json:"manual"`
	CreateTask  *bool  `yaml:"create_task,omitempty" json:"create_task,omitempty"`
	Label       string `yaml:"label,omitempty" json:"label,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// CreatesTask reports whether reaching this manual transition creates a task.
func (t Transition) CreatesTask() bool {
	return t.CreateTask == nil || *t.CreateTask
}

// Definition is the static description of one workflow type and version.
// Definitions are built (or loaded) at startup and must not be mutated once
// registered.
type Definition struct {
	Name         string       `yaml:"name"`
	Version      int          `yaml:"version,omitempty"`
	FancyName    string       `yaml:"fancy_name,omitempty"`
	TargetType   string       `yaml:"target_type,omitempty"`
	InitialState string       `yaml:"initial_state,omitempty"`
	States       []State      `yaml:"states"`
	Transitions  []Transition `yaml:"transitions"`

	actions        map[string]ActionFunc
	userResolvers  map[string][]ResolverFunc
	groupResolvers map[string][]ResolverFunc
	defaultUsers   ResolverFunc
	defaultGroups  ResolverFunc
}

// Validate checks the definition invariants: at least one state, unique
// transition names, and every source/destination declared in States.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%w: workflow %s has no states", ErrInvalidDefinition, d.Name)
	}
	states := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if s.Name == "" {
			return fmt.Errorf("%w: workflow %s has a state without a name", ErrInvalidDefinition, d.Name)
		}
		if states[s.Name] {
			return fmt.Errorf("%w: workflow %s declares state %s twice", ErrInvalidDefinition, d.Name, s.Name)
		}
		states[s.Name] = true
	}
	if d.InitialState != "" && !states[d.InitialState] {
		return fmt.Errorf("%w: workflow %s initial state %s is not declared", ErrInvalidDefinition, d.Name, d.InitialState)
	}
	seen := make(map[string]bool, len(d.Transitions))
	for _, tr := range d.Transitions {
		if tr.Name == "" {
			return fmt.Errorf("%w: workflow %s has a transition without a name", ErrInvalidDefinition, d.Name)
		}
		if seen[tr.Name] {
			return fmt.Errorf("%w: workflow %s declares transition %s twice", ErrInvalidDefinition, d.Name, tr.Name)
		}
		seen[tr.Name] = true
		if !states[tr.Source] {
			return fmt.Errorf("%w: transition %s source %s is not a declared state", ErrInvalidDefinition, tr.Name, tr.Source)
		}
		if !states[tr.Destination] {
			return fmt.Errorf("%w: transition %s destination %s is not a declared state", ErrInvalidDefinition, tr.Name, tr.Destination)
		}
	}
	return nil
}

// EffectiveVersion returns the definition version, defaulting to 1.
func (d *Definition) EffectiveVersion() int {
	if d.Version <= 0 {
		return 1
	}
	return d.Version
}

// Initial computes the starting state for a new process: the requested state
// if given, then the configured initial state, then the first declared state.
func (d *Definition) Initial(requested string) (string, error) {
	if requested != "" {
		if !d.HasState(requested) {
			return "", fmt.Errorf("%w: requested initial state %s is not declared in workflow %s", ErrInvalidDefinition, requested, d.Name)
		}
		return requested, nil
	}
	if d.InitialState != "" {
		return d.InitialState, nil
	}
	if len(d.States) == 0 {
		return "", fmt.Errorf("%w: workflow %s has no states and no initial state was supplied", ErrInvalidDefinition, d.Name)
	}
	return d.States[0].Name, nil
}

// DisplayName returns the fancy name, falling back to the workflow name.
func (d *Definition) DisplayName() string {
	if d.FancyName != "" {
		return d.FancyName
	}
	return d.Name
}

// HasState reports whether name is a declared state.
func (d *Definition) HasState(name string) bool {
	for _, s := range d.States {
		if s.Name == name {
			return true
		}
	}
	return false
}

// StateLabel returns the display label for a state, falling back to its name.
func (d *Definition) StateLabel(name string) string {
	for _, s := range d.States {
		if s.Name == name && s.Label != "" {
			return s.Label
		}
	}
	return name
}

// TransitionsFrom returns the transitions whose source is state, in
// definition order.
func (d *Definition) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, tr := range d.Transitions {
		if tr.Source == state {
			out = append(out, tr)
		}
	}
	return out
}

// TransitionByName looks a transition up by its unique name.
func (d *Definition) TransitionByName(name string) (Transition, bool) {
	for _, tr := range d.Transitions {
		if tr.Name == name {
			return tr, true
		}
	}
	return Transition{}, false
}

// OnTransition attaches a side-effecting action to a transition name. The
// action runs inside the advancing transaction, before the state change is
// persisted.
func (d *Definition) OnTransition(name string, fn ActionFunc) *Definition {
	if d.actions == nil {
		d.actions = map[string]ActionFunc{}
	}
	d.actions[name] = fn
	return d
}

// OnAssignUser appends a user resolver for a transition name. Resolvers run
// in registration order and their results are accumulated.
func (d *Definition) OnAssignUser(name string, fn ResolverFunc) *Definition {
	if d.userResolvers == nil {
		d.userResolvers = map[string][]ResolverFunc{}
	}
	d.userResolvers[name] = append(d.userResolvers[name], fn)
	return d
}

// OnAssignGroup appends a group resolver for a transition name.
func (d *Definition) OnAssignGroup(name string, fn ResolverFunc) *Definition {
	if d.groupResolvers == nil {
		d.groupResolvers = map[string][]ResolverFunc{}
	}
	d.groupResolvers[name] = append(d.groupResolvers[name], fn)
	return d
}

// DefaultUsers sets the fallback user resolver used when a transition's own
// resolvers produce nothing.
func (d *Definition) DefaultUsers(fn ResolverFunc) *Definition {
	d.defaultUsers = fn
	return d
}

// DefaultGroups sets the fallback group resolver.
func (d *Definition) DefaultGroups(fn ResolverFunc) *Definition {
	d.defaultGroups = fn
	return d
}

func (d *Definition) action(name string) (ActionFunc, bool) {
	fn, ok := d.actions[name]
	return fn, ok
}

// FromYAML parses and validates a definition from raw YAML bytes.
func FromYAML(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid workflow yaml: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// FromFile reads a definition from a YAML file.
func FromFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// LoadDir reads every .yml/.yaml definition in dir, in lexical order.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		d, err := FromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}
