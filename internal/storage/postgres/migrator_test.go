package postgres

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

func pairFS(files ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, name := range files {
		fsys["sql/migrations/"+name+".up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE " + name + " (id INT);")}
		fsys["sql/migrations/"+name+".down.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE " + name + ";")}
	}
	return fsys
}

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
		"sql/migrations/0001_init.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_a;"),
		},
		"sql/migrations/0002_more.up.sql": {
			Data: []byte("CREATE TABLE test_b (id INT);"),
		},
		"sql/migrations/0002_more.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_b;"),
		},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "init" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "more" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_MissingDown(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrationsFromFS_InvalidFilename(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/not_a_migration.sql": {
			Data: []byte("SELECT 1;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for invalid migration file name")
	}
}

func TestLoadMigrationsFromFS_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("   \n"),
		},
		"sql/migrations/0001_init.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for empty migration file body")
	}
}

func TestLoadMigrationsFromFS_Embedded(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}

	names := make([]string, 0, len(migrations))
	for i, m := range migrations {
		if m.Version != int64(i+1) {
			t.Fatalf("migration %s has version %d, want %d", m.Name, m.Version, i+1)
		}
		names = append(names, m.Name)
	}
	want := "catalog,promotions,orders,outbox_and_idempotency"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("unexpected embedded migrations: %s", got)
	}
}

func TestLoadMigrationsFromFS_RequiresContiguousVersions(t *testing.T) {
	t.Parallel()

	_, err := loadMigrationsFromFS(pairFS("0001_catalog", "0003_orders"))
	if err == nil || !strings.Contains(err.Error(), "contiguous") {
		t.Fatalf("expected contiguity error, got %v", err)
	}
}

func TestLoadMigrationsFromFS_ChecksumTracksUpScript(t *testing.T) {
	t.Parallel()

	first, err := loadMigrationsFromFS(pairFS("0001_catalog"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	changed := pairFS("0001_catalog")
	changed["sql/migrations/0001_catalog.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE catalog (id BIGINT);")}
	second, err := loadMigrationsFromFS(changed)
	if err != nil {
		t.Fatalf("load changed: %v", err)
	}
	if len(first[0].Checksum) != 64 || first[0].Checksum == second[0].Checksum {
		t.Fatalf("checksum must follow up script: %q vs %q", first[0].Checksum, second[0].Checksum)
	}

	downOnly := pairFS("0001_catalog")
	downOnly["sql/migrations/0001_catalog.down.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE IF EXISTS catalog;")}
	third, err := loadMigrationsFromFS(downOnly)
	if err != nil {
		t.Fatalf("load down change: %v", err)
	}
	if third[0].Checksum != first[0].Checksum {
		t.Fatal("down script must not affect checksum")
	}
}

func TestVerifyApplied(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	catalog := migrations[0]

	tests := []struct {
		name    string
		applied map[int64]appliedMigration
		drift   bool
	}{
		{name: "fresh database", applied: map[int64]appliedMigration{}},
		{name: "catalog applied", applied: map[int64]appliedMigration{1: {Name: catalog.Name, Checksum: catalog.Checksum}}},
		{name: "catalog edited after apply", applied: map[int64]appliedMigration{1: {Name: catalog.Name, Checksum: "stale"}}, drift: true},
		{name: "renamed", applied: map[int64]appliedMigration{1: {Name: "menu", Checksum: catalog.Checksum}}, drift: true},
		{name: "newer binary applied", applied: map[int64]appliedMigration{99: {Name: "future", Checksum: "x"}}, drift: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := verifyApplied(migrations, tc.applied)
			if got := errors.Is(err, ErrMigrationDrift); got != tc.drift {
				t.Fatalf("expected drift=%v, got %v", tc.drift, err)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	applied := map[int64]appliedMigration{1: {}, 2: {}}

	versions := func(ms []migration) []int64 {
		out := make([]int64, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.Version)
		}
		return out
	}

	tests := []struct {
		name      string
		direction migrationDirection
		steps     int
		want      []int64
	}{
		{name: "up all", direction: migrationUp, want: []int64{3, 4}},
		{name: "up one", direction: migrationUp, steps: 1, want: []int64{3}},
		{name: "down one", direction: migrationDown, steps: 1, want: []int64{2}},
		{name: "down more than applied", direction: migrationDown, steps: 10, want: []int64{2, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := versions(plan(migrations, applied, tc.direction, tc.steps))
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}
