package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"

	"octoflow/internal/db"
	"octoflow/internal/domain"
	"octoflow/internal/migrate"
	"octoflow/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, ctx context.Context, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleProcess(targetID string) domain.Process {
	return domain.Process{
		ID:              uuid.New().String(),
		Target:          domain.TargetRef{Type: "order", ID: targetID},
		WorkflowName:    "approval",
		WorkflowVersion: 1,
		State:           "created",
		CreatedAt:       "2026-01-01T00:00:00Z",
		UpdatedAt:       "2026-01-01T00:00:00Z",
	}
}

func insertProcess(t *testing.T, r repo.Repo, ctx context.Context, p domain.Process) {
	t.Helper()
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.InsertProcessTx(ctx, tx, p)
		if err == nil && !ok {
			t.Fatalf("insert lost unexpectedly for %s", p.ID)
		}
		return err
	})
}

func TestInsertProcessConflict(t *testing.T) {
	r, ctx := newTestRepo(t)
	first := sampleProcess("o-1")
	insertProcess(t, r, ctx, first)

	// Same (target, workflow) loses; the row is untouched.
	second := sampleProcess("o-1")
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		ok, err := r.InsertProcessTx(ctx, tx, second)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("conflicting insert reported as won")
		}
		return nil
	})
	got, err := r.GetProcessByTarget(ctx, first.Target, "approval")
	if err != nil {
		t.Fatalf("get by target: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("winner id = %s, want %s", got.ID, first.ID)
	}

	// A different workflow on the same target is a separate process.
	other := sampleProcess("o-1")
	other.WorkflowName = "audit"
	insertProcess(t, r, ctx, other)
}

func TestGetProcessNotFound(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetProcess(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.GetProcessByTarget(ctx, domain.TargetRef{Type: "x", ID: "y"}, "w"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestLockProcessMissingRow(t *testing.T) {
	r, ctx := newTestRepo(t)
	tx, _ := r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	if err := r.LockProcess(ctx, tx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateProcessPersistsData(t *testing.T) {
	r, ctx := newTestRepo(t)
	p := sampleProcess("o-1")
	insertProcess(t, r, ctx, p)

	p.State = "submitted"
	p.Data = map[string]any{"note": "hello"}
	p.UpdatedAt = "2026-01-02T00:00:00Z"
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpdateProcessTx(ctx, tx, p)
	})
	got, err := r.GetProcess(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "submitted" || got.Data["note"] != "hello" || got.UpdatedAt != "2026-01-02T00:00:00Z" {
		t.Fatalf("got %+v", got)
	}
}

func TestListProcessesFilters(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := sampleProcess("o-1")
	b := sampleProcess("o-2")
	b.State = "closed"
	insertProcess(t, r, ctx, a)
	insertProcess(t, r, ctx, b)

	all, err := r.ListProcesses(ctx, repo.ProcessFilters{TargetType: "order"})
	if err != nil || len(all) != 2 {
		t.Fatalf("all: %v %d", err, len(all))
	}
	closed, err := r.ListProcesses(ctx, repo.ProcessFilters{State: "closed"})
	if err != nil || len(closed) != 1 || closed[0].ID != b.ID {
		t.Fatalf("closed: %v %+v", err, closed)
	}
	none, err := r.ListProcesses(ctx, repo.ProcessFilters{WorkflowName: "other"})
	if err != nil || len(none) != 0 {
		t.Fatalf("none: %v %+v", err, none)
	}
}

func sampleTask(processID, sourceState string) domain.Task {
	return domain.Task{
		ID:        uuid.New().String(),
		ProcessID: processID,
		Task:      sourceState,
		Name:      sourceState,
		State:     domain.TaskCreated,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
	}
}

func TestOpenTaskLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	p := sampleProcess("o-1")
	insertProcess(t, r, ctx, p)
	task := sampleTask(p.ID, "submitted")
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertTaskTx(ctx, tx, task)
	})

	inTx(t, r, ctx, func(tx *sql.Tx) error {
		got, err := r.GetOpenTaskTx(ctx, tx, p.ID, "submitted")
		if err != nil {
			return err
		}
		if got.ID != task.ID {
			t.Fatalf("got %s, want %s", got.ID, task.ID)
		}
		if _, err := r.GetOpenTaskTx(ctx, tx, p.ID, "other"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("other state: %v", err)
		}
		return nil
	})

	// A done task no longer counts as open.
	task.State = domain.TaskDone
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.UpdateTaskTx(ctx, tx, task)
	})
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		if _, err := r.GetOpenTaskTx(ctx, tx, p.ID, "submitted"); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("done task still open: %v", err)
		}
		return nil
	})
}

func TestReplaceAssigneesOverwrites(t *testing.T) {
	r, ctx := newTestRepo(t)
	p := sampleProcess("o-1")
	insertProcess(t, r, ctx, p)
	task := sampleTask(p.ID, "submitted")
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.InsertTaskTx(ctx, tx, task)
	})

	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.ReplaceTaskAssigneesTx(ctx, tx, task.ID, []string{"alice", "bob"}, []string{"team"})
	})
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		return r.ReplaceTaskAssigneesTx(ctx, tx, task.ID, []string{"carol"}, nil)
	})
	got, err := r.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Users) != 1 || got.Users[0] != "carol" || len(got.Groups) != 0 {
		t.Fatalf("assignees = %v / %v", got.Users, got.Groups)
	}
}

func TestListTasksUserVisibility(t *testing.T) {
	r, ctx := newTestRepo(t)
	p := sampleProcess("o-1")
	insertProcess(t, r, ctx, p)

	unassigned := sampleTask(p.ID, "a")
	mine := sampleTask(p.ID, "b")
	team := sampleTask(p.ID, "c")
	foreign := sampleTask(p.ID, "d")
	inTx(t, r, ctx, func(tx *sql.Tx) error {
		for _, task := range []domain.Task{unassigned, mine, team, foreign} {
			if err := r.InsertTaskTx(ctx, tx, task); err != nil {
				return err
			}
		}
		if err := r.ReplaceTaskAssigneesTx(ctx, tx, mine.ID, []string{"alice"}, nil); err != nil {
			return err
		}
		if err := r.ReplaceTaskAssigneesTx(ctx, tx, team.ID, nil, []string{"support"}); err != nil {
			return err
		}
		return r.ReplaceTaskAssigneesTx(ctx, tx, foreign.ID, []string{"bob"}, []string{"admins"})
	})

	visible, err := r.ListTasks(ctx, repo.TaskFilters{
		ProcessID:  p.ID,
		FilterUser: true,
		User:       "alice",
		UserGroups: []string{"support"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, task := range visible {
		ids[task.ID] = true
	}
	if len(visible) != 3 || !ids[unassigned.ID] || !ids[mine.ID] || !ids[team.ID] {
		t.Fatalf("visible = %v", ids)
	}
	if ids[foreign.ID] {
		t.Fatal("foreign task leaked into alice's view")
	}

	// Without the filter everything comes back.
	all, err := r.ListTasks(ctx, repo.TaskFilters{ProcessID: p.ID})
	if err != nil || len(all) != 4 {
		t.Fatalf("all: %v %d", err, len(all))
	}
}

func TestPermissions(t *testing.T) {
	r, ctx := newTestRepo(t)
	perm := "orders.can_write_approval"
	if err := r.DeclarePermission(ctx, perm, "order", "approve orders"); err != nil {
		t.Fatal(err)
	}
	// Declaring twice is a no-op.
	if err := r.DeclarePermission(ctx, perm, "order", "approve orders"); err != nil {
		t.Fatal(err)
	}

	declared, err := r.Declared(ctx, "order", perm)
	if err != nil || !declared {
		t.Fatalf("declared: %v %v", declared, err)
	}
	declared, _ = r.Declared(ctx, "order", "orders.can_read_approval")
	if declared {
		t.Fatal("undeclared permission reported as declared")
	}

	has, _ := r.HasPermission(ctx, "alice", perm)
	if has {
		t.Fatal("permission granted before grant")
	}
	if err := r.GrantPermission(ctx, "alice", perm); err != nil {
		t.Fatal(err)
	}
	has, _ = r.HasPermission(ctx, "alice", perm)
	if !has {
		t.Fatal("grant not visible")
	}
	perms, err := r.UserPermissions(ctx, "alice")
	if err != nil || len(perms) != 1 || perms[0] != perm {
		t.Fatalf("user permissions = %v %v", perms, err)
	}
	if err := r.RevokePermission(ctx, "alice", perm); err != nil {
		t.Fatal(err)
	}
	has, _ = r.HasPermission(ctx, "alice", perm)
	if has {
		t.Fatal("revoke not visible")
	}
}
