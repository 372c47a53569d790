package workflow_test

import (
	"context"
	"testing"

	"octoflow/internal/domain"
	"octoflow/internal/target"
	"octoflow/internal/workflow"
)

// fakeDirectory is an in-memory PermissionDirectory.
type fakeDirectory struct {
	declared map[string]bool
	grants   map[string]map[string]bool
}

func (d fakeDirectory) HasPermission(_ context.Context, userID, perm string) (bool, error) {
	return d.grants[userID][perm], nil
}

func (d fakeDirectory) Declared(_ context.Context, _ string, perm string) (bool, error) {
	return d.declared[perm], nil
}

func TestPermissionString(t *testing.T) {
	cases := []struct {
		app, perm, name, want string
	}{
		{"shipping", "read", "OrderApproval", "shipping.can_read_order_approval"},
		{"crm", "write", "simple", "crm.can_write_simple"},
		{"crm", "write", "HTTPRequestFlow", "crm.can_write_http_request_flow"},
		{"crm", "read", "already_snake", "crm.can_read_already_snake"},
	}
	for _, tc := range cases {
		if got := workflow.PermissionString(tc.app, tc.perm, tc.name); got != tc.want {
			t.Errorf("PermissionString(%s,%s,%s) = %s, want %s", tc.app, tc.perm, tc.name, got, tc.want)
		}
	}
}

func TestIsAllowedOptIn(t *testing.T) {
	def := &workflow.Definition{
		Name:       "OrderApproval",
		TargetType: "order",
		States:     []workflow.State{{Name: "s"}},
	}
	perm := "orders.can_write_order_approval"
	dir := fakeDirectory{
		declared: map[string]bool{perm: true},
		grants:   map[string]map[string]bool{"alice": {perm: true}},
	}
	targets := target.NewRegistry()
	targets.Register("order", target.StaticAccessor{App: "orders"})

	e := workflow.Engine{Perms: dir, Targets: targets}

	alice := &workflow.User{ID: "alice"}
	bob := &workflow.User{ID: "bob"}
	root := &workflow.User{ID: "root", Superuser: true}

	if ok, _ := e.IsAllowed(context.Background(), def, alice, workflow.PermWrite); !ok {
		t.Fatal("granted user should be allowed")
	}
	if ok, _ := e.IsAllowed(context.Background(), def, bob, workflow.PermWrite); ok {
		t.Fatal("user without the declared permission should be denied")
	}
	if ok, _ := e.IsAllowed(context.Background(), def, root, workflow.PermWrite); !ok {
		t.Fatal("superuser should bypass permissions")
	}
	if ok, _ := e.IsAllowed(context.Background(), def, nil, workflow.PermWrite); !ok {
		t.Fatal("nil user should be allowed")
	}
	// Undeclared verb stays unrestricted.
	if ok, _ := e.IsAllowed(context.Background(), def, bob, workflow.PermRead); !ok {
		t.Fatal("undeclared permission should be unrestricted")
	}
	// Workflows without a target type are never restricted.
	open := &workflow.Definition{Name: "Free", States: []workflow.State{{Name: "s"}}}
	if ok, _ := e.IsAllowed(context.Background(), open, bob, workflow.PermWrite); !ok {
		t.Fatal("workflow without target type should be unrestricted")
	}
}

func TestAuthorizedTransitions(t *testing.T) {
	def := &workflow.Definition{
		Name:   "review",
		States: []workflow.State{{Name: "open"}, {Name: "checked"}, {Name: "signed"}},
		Transitions: []workflow.Transition{
			{Name: "check", Source: "open", Destination: "checked"},
			{Name: "sign", Source: "open", Destination: "signed", Manual: true},
		},
	}
	def.OnAssignUser("sign", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return []string{"alice"}, nil
	})
	def.OnAssignGroup("sign", func(ctx context.Context, proc domain.Process, tr workflow.Transition) ([]string, error) {
		return []string{"signers"}, nil
	})

	e := workflow.Engine{Resolver: workflow.NewResolver()}
	proc := domain.Process{ID: "p1", State: "open"}
	ctx := context.Background()

	names := func(trs []workflow.Transition) []string {
		var out []string
		for _, tr := range trs {
			out = append(out, tr.Name)
		}
		return out
	}

	// Nil user sees everything.
	trs, err := e.AuthorizedTransitions(ctx, def, proc, nil)
	if err != nil || len(trs) != 2 {
		t.Fatalf("nil user: %v %v", err, names(trs))
	}
	// Assigned user sees the manual transition.
	trs, _ = e.AuthorizedTransitions(ctx, def, proc, &workflow.User{ID: "alice"})
	if len(trs) != 2 {
		t.Fatalf("alice: %v", names(trs))
	}
	// Group membership also qualifies.
	trs, _ = e.AuthorizedTransitions(ctx, def, proc, &workflow.User{ID: "dave", Groups: []string{"signers"}})
	if len(trs) != 2 {
		t.Fatalf("dave: %v", names(trs))
	}
	// An unrelated user only sees the automatic transition.
	trs, _ = e.AuthorizedTransitions(ctx, def, proc, &workflow.User{ID: "mallory"})
	if len(trs) != 1 || trs[0].Name != "check" {
		t.Fatalf("mallory: %v", names(trs))
	}
	// Superuser sees everything.
	trs, _ = e.AuthorizedTransitions(ctx, def, proc, &workflow.User{ID: "root", Superuser: true})
	if len(trs) != 2 {
		t.Fatalf("root: %v", names(trs))
	}
}
