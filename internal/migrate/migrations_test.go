package migrate_test

import (
	"testing"

	"octoflow/internal/db"
	"octoflow/internal/migrate"
)

func TestAllOrdered(t *testing.T) {
	all, err := migrate.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i, m := range all {
		if m.Version != i+1 {
			t.Fatalf("migration %s has version %d at position %d", m.Name, m.Version, i)
		}
		if m.SQL == "" {
			t.Fatalf("migration %s is empty", m.Name)
		}
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	applied, err := migrate.Apply(conn)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("fresh database applied nothing")
	}
	current, pending, err := migrate.Status(conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after apply = %v", pending)
	}
	if want := applied[len(applied)-1].Version; current != want {
		t.Fatalf("version = %d, want %d", current, want)
	}

	again, err := migrate.Apply(conn)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-apply ran %v", again)
	}
}

func TestStatusOnFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	current, pending, err := migrate.Status(conn)
	if err != nil {
		t.Fatal(err)
	}
	if current != 0 {
		t.Fatalf("fresh version = %d", current)
	}
	if len(pending) == 0 {
		t.Fatal("fresh database has nothing pending")
	}
}
