package workflow_test

import (
	"context"
	"errors"
	"testing"

	"octoflow/internal/domain"
	"octoflow/internal/workflow"
)

func resolverDef() *workflow.Definition {
	return &workflow.Definition{
		Name:   "r",
		States: []workflow.State{{Name: "a"}, {Name: "b"}},
		Transitions: []workflow.Transition{
			{Name: "go", Source: "a", Destination: "b", Manual: true},
		},
	}
}

func TestResolverAccumulatesAndDedupes(t *testing.T) {
	def := resolverDef()
	def.OnAssignUser("go", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return []string{"zoe", "amy"}, nil
	})
	def.OnAssignUser("go", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return []string{"amy", "max"}, nil
	})
	r := workflow.NewResolver()
	tr, _ := def.TransitionByName("go")

	users, err := r.Users(context.Background(), def, domain.Process{ID: "p1"}, tr)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	want := []string{"amy", "max", "zoe"}
	if len(users) != len(want) {
		t.Fatalf("users = %v", users)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Fatalf("users = %v, want %v", users, want)
		}
	}
}

func TestResolverCachesPerProcess(t *testing.T) {
	def := resolverDef()
	calls := 0
	def.OnAssignUser("go", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		calls++
		return []string{"amy"}, nil
	})
	r := workflow.NewResolver()
	tr, _ := def.TransitionByName("go")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Users(ctx, def, domain.Process{ID: "p1"}, tr); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("resolver ran %d times for one process, want 1", calls)
	}
	// A different process is a different cache key.
	if _, err := r.Users(ctx, def, domain.Process{ID: "p2"}, tr); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("resolver ran %d times, want 2", calls)
	}
}

func TestAssigneesDefaultFallback(t *testing.T) {
	def := resolverDef()
	def.DefaultUsers(func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return []string{"fallback"}, nil
	})
	r := workflow.NewResolver()
	tr, _ := def.TransitionByName("go")

	users, groups, err := r.Assignees(context.Background(), def, domain.Process{ID: "p1"}, tr)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != "fallback" || len(groups) != 0 {
		t.Fatalf("users=%v groups=%v", users, groups)
	}
}

func TestAssigneesSkipFallbackWhenResolved(t *testing.T) {
	def := resolverDef()
	def.OnAssignGroup("go", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return []string{"team"}, nil
	})
	def.DefaultUsers(func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		t.Fatal("fallback must not run when a resolver produced assignees")
		return nil, nil
	})
	r := workflow.NewResolver()
	tr, _ := def.TransitionByName("go")

	users, groups, err := r.Assignees(context.Background(), def, domain.Process{ID: "p1"}, tr)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 || len(groups) != 1 || groups[0] != "team" {
		t.Fatalf("users=%v groups=%v", users, groups)
	}
}

func TestResolverErrorPropagates(t *testing.T) {
	def := resolverDef()
	boom := errors.New("directory down")
	def.OnAssignUser("go", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return nil, boom
	})
	r := workflow.NewResolver()
	tr, _ := def.TransitionByName("go")

	if _, err := r.Users(context.Background(), def, domain.Process{ID: "p1"}, tr); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
