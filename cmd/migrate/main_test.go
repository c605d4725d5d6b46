package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/cafeteria/internal/storage/postgres"
)

type fakeMigrator struct {
	version  int64
	applied  int
	calls    []string
	upErr    error
	closed   bool
	lastStep int
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.calls = append(f.calls, "up")
	f.lastStep = steps
	if f.upErr != nil {
		return f.upErr
	}
	f.version, f.applied = 4, 4
	return nil
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.calls = append(f.calls, "down")
	f.lastStep = steps
	f.version -= int64(steps)
	f.applied -= steps
	return nil
}

func (f *fakeMigrator) MigrationStatus(context.Context) (int64, int, error) {
	f.calls = append(f.calls, "status")
	return f.version, f.applied, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func withFakeMigrator(t *testing.T, fake *fakeMigrator) *string {
	t.Helper()

	var gotDSN string
	old := openMigrator
	openMigrator = func(_ context.Context, dsn string) (migrator, error) {
		gotDSN = dsn
		return fake, nil
	}
	t.Cleanup(func() { openMigrator = old })
	return &gotDSN
}

func noEnv(string) (string, bool) { return "", false }

func TestRun_UpDownStatus(t *testing.T) {
	fake := &fakeMigrator{}
	gotDSN := withFakeMigrator(t, fake)

	var out bytes.Buffer
	if err := run(context.Background(), []string{"-direction=up", "-dsn=postgres://x"}, noEnv, &out); err != nil {
		t.Fatalf("up failed: %v", err)
	}
	if *gotDSN != "postgres://x" {
		t.Fatalf("unexpected dsn: %s", *gotDSN)
	}
	if !strings.Contains(out.String(), "migrate up ok: version=4 applied=4") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"-direction=DOWN", "-dsn=postgres://x"}, noEnv, &out); err != nil {
		t.Fatalf("down failed: %v", err)
	}
	if fake.lastStep != 1 {
		t.Fatalf("down without steps must roll back one migration, got %d", fake.lastStep)
	}
	if !strings.Contains(out.String(), "migrate down ok: version=3 applied=3") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"-direction=status", "-dsn=postgres://x"}, noEnv, &out); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if out.String() != "migration status: version=3 applied=3\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if !fake.closed {
		t.Fatal("store must be closed")
	}
}

func TestRun_DSNFromEnv(t *testing.T) {
	gotDSN := withFakeMigrator(t, &fakeMigrator{})

	lookup := func(key string) (string, bool) {
		if key == envPostgresDSN {
			return " postgres://env ", true
		}
		return "", false
	}
	if err := run(context.Background(), []string{"-direction=status"}, lookup, &bytes.Buffer{}); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if *gotDSN != "postgres://env" {
		t.Fatalf("unexpected dsn: %q", *gotDSN)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	withFakeMigrator(t, &fakeMigrator{})

	testCases := map[string][]string{
		"missing dsn":   {"-direction=status"},
		"bad direction": {"-direction=sideways", "-dsn=postgres://x"},
		"unknown flag":  {"-verbose"},
	}
	for name, args := range testCases {
		t.Run(name, func(t *testing.T) {
			err := run(context.Background(), args, noEnv, &bytes.Buffer{})
			if !errors.Is(err, errUsage) {
				t.Fatalf("expected usage error, got %v", err)
			}
		})
	}
}

func TestRun_MigrationError(t *testing.T) {
	fake := &fakeMigrator{upErr: errors.New("lock timeout")}
	withFakeMigrator(t, fake)

	err := run(context.Background(), []string{"-dsn=postgres://x"}, noEnv, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "lock timeout") {
		t.Fatalf("expected migration error, got %v", err)
	}
	if !fake.closed {
		t.Fatal("store must be closed after failure")
	}
}

func TestRun_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("CAFETERIA_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	store, err := postgres.Open(ctx, dsn)
	cancel()
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	_ = store.Close()

	for _, args := range [][]string{
		{"-direction=status", "-dsn=" + dsn},
		{"-direction=up", "-dsn=" + dsn},
	} {
		if err := run(context.Background(), args, noEnv, &bytes.Buffer{}); err != nil {
			t.Fatalf("run %v failed: %v", args, err)
		}
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
