package migrate

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrationsAreSequential(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected first version 1, got %d", v)
	}
	for want := uint(2); want <= 3; want++ {
		next, err := src.Next(v)
		if err != nil {
			t.Fatalf("Next(%d): %v", v, err)
		}
		if next != want {
			t.Fatalf("expected version %d after %d, got %d", want, v, next)
		}
		rc, _, err := src.ReadDown(next)
		if err != nil {
			t.Fatalf("missing down migration for %d: %v", next, err)
		}
		_ = rc.Close()
		v = next
	}
}

func TestDatabaseURLMigrationsTable(t *testing.T) {
	m, err := NewManager("postgres://u:p@localhost:5432/nexa?sslmode=disable", WithMigrationsTable("auth_migrations"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	got, err := m.databaseURL()
	if err != nil {
		t.Fatalf("databaseURL: %v", err)
	}
	if !strings.Contains(got, "x-migrations-table=auth_migrations") || !strings.Contains(got, "sslmode=disable") {
		t.Fatalf("unexpected url: %s", got)
	}

	plain, _ := NewManager("postgres://localhost/nexa")
	if got, _ := plain.databaseURL(); strings.Contains(got, "x-migrations-table") {
		t.Fatalf("default table should not be added: %s", got)
	}
}

func TestNewManagerRequiresDSN(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
