package workflow_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"octoflow/internal/workflow"
)

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		def  workflow.Definition
	}{
		{"no name", workflow.Definition{States: []workflow.State{{Name: "a"}}}},
		{"no states", workflow.Definition{Name: "w"}},
		{"duplicate state", workflow.Definition{Name: "w", States: []workflow.State{{Name: "a"}, {Name: "a"}}}},
		{"unknown initial", workflow.Definition{Name: "w", InitialState: "x", States: []workflow.State{{Name: "a"}}}},
		{"duplicate transition", workflow.Definition{
			Name:   "w",
			States: []workflow.State{{Name: "a"}, {Name: "b"}},
			Transitions: []workflow.Transition{
				{Name: "t", Source: "a", Destination: "b"},
				{Name: "t", Source: "b", Destination: "a"},
			},
		}},
		{"undeclared source", workflow.Definition{
			Name:        "w",
			States:      []workflow.State{{Name: "a"}},
			Transitions: []workflow.Transition{{Name: "t", Source: "x", Destination: "a"}},
		}},
		{"undeclared destination", workflow.Definition{
			Name:        "w",
			States:      []workflow.State{{Name: "a"}},
			Transitions: []workflow.Transition{{Name: "t", Source: "a", Destination: "x"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.def.Validate(); !errors.Is(err, workflow.ErrInvalidDefinition) {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestInitialStatePrecedence(t *testing.T) {
	def := &workflow.Definition{
		Name:         "w",
		InitialState: "b",
		States:       []workflow.State{{Name: "a"}, {Name: "b"}},
	}
	if s, _ := def.Initial(""); s != "b" {
		t.Fatalf("configured initial: got %s", s)
	}
	if s, _ := def.Initial("a"); s != "a" {
		t.Fatalf("requested state: got %s", s)
	}
	def.InitialState = ""
	if s, _ := def.Initial(""); s != "a" {
		t.Fatalf("first declared state: got %s", s)
	}
}

func TestCreatesTaskDefaultsTrue(t *testing.T) {
	tr := workflow.Transition{Name: "t", Manual: true}
	if !tr.CreatesTask() {
		t.Fatal("unset create_task should default to true")
	}
	f := false
	tr.CreateTask = &f
	if tr.CreatesTask() {
		t.Fatal("create_task=false should be honored")
	}
}

func TestFromYAML(t *testing.T) {
	data := []byte(`
name: shipping
version: 2
fancy_name: Shipping approval
target_type: parcel
initial_state: packed
states:
  - name: packed
  - name: shipped
    label: On the road
transitions:
  - name: ship
    source: packed
    destination: shipped
    manual: true
    create_task: false
`)
	def, err := workflow.FromYAML(data)
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if def.Name != "shipping" || def.EffectiveVersion() != 2 {
		t.Fatalf("def = %+v", def)
	}
	if def.DisplayName() != "Shipping approval" {
		t.Fatalf("display name = %s", def.DisplayName())
	}
	if def.StateLabel("shipped") != "On the road" {
		t.Fatalf("label = %s", def.StateLabel("shipped"))
	}
	tr, ok := def.TransitionByName("ship")
	if !ok || !tr.Manual || tr.CreatesTask() {
		t.Fatalf("transition = %+v", tr)
	}

	if _, err := workflow.FromYAML([]byte("states: [")); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("b.yml", "name: beta\nstates:\n  - name: s\n")
	write("a.yaml", "name: alpha\nstates:\n  - name: s\n")
	write("notes.txt", "not a workflow")

	defs, err := workflow.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Fatalf("defs = %+v", defs)
	}
}
