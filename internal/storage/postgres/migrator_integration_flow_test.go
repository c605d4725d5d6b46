package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireMigrationStatus(t *testing.T, store *Store, wantVersion int64, wantCount int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version, count, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, wantVersion, version, "schema version")
	require.Equal(t, wantCount, count, "applied migrations")
}

func TestMigrator_PostgresUpDownSteps(t *testing.T) {
	store := rawStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))
	requireMigrationStatus(t, store, 0, 0)

	// каталог без промо-акций и заказов
	require.NoError(t, store.MigrateUp(ctx, 1))
	requireMigrationStatus(t, store, 1, 1)

	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationStatus(t, store, 4, 4)
	require.NoError(t, store.MigrateUp(ctx, 0), "second up must be a no-op")
	requireMigrationStatus(t, store, 4, 4)

	var applied []string
	rows, err := store.DB().QueryContext(ctx, `SELECT name FROM cafeteria_schema_migrations ORDER BY version`)
	require.NoError(t, err)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		applied = append(applied, name)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Equal(t, []string{"catalog", "promotions", "orders", "outbox_and_idempotency"}, applied)

	require.NoError(t, store.MigrateDown(ctx, 0), "zero steps rolls back one migration")
	requireMigrationStatus(t, store, 3, 3)
	require.NoError(t, store.MigrateDown(ctx, 100))
	requireMigrationStatus(t, store, 0, 0)
	require.NoError(t, store.MigrateDown(ctx, 1), "down on an empty schema is a no-op")
}

func TestMigrator_PostgresRefusesDriftedSchema(t *testing.T) {
	store := rawStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))
	require.NoError(t, store.MigrateUp(ctx, 2))

	var checksum string
	require.NoError(t, store.DB().QueryRowContext(ctx,
		`SELECT checksum FROM cafeteria_schema_migrations WHERE version = 2`).Scan(&checksum))
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		_, _ = store.DB().ExecContext(cleanupCtx, `DELETE FROM cafeteria_schema_migrations WHERE version = 99`)
		_, _ = store.DB().ExecContext(cleanupCtx,
			`UPDATE cafeteria_schema_migrations SET checksum = $1 WHERE version = 2`, checksum)
	})

	// promotions применена из другой версии файла
	_, err := store.DB().ExecContext(ctx,
		`UPDATE cafeteria_schema_migrations SET checksum = 'edited-by-hand' WHERE version = 2`)
	require.NoError(t, err)

	err = store.MigrateUp(ctx, 0)
	require.True(t, errors.Is(err, ErrMigrationDrift), "unexpected error: %v", err)
	requireMigrationStatus(t, store, 2, 2)

	err = store.MigrateDown(ctx, 1)
	require.True(t, errors.Is(err, ErrMigrationDrift), "down must refuse drift too: %v", err)
	requireMigrationStatus(t, store, 2, 2)

	_, err = store.DB().ExecContext(ctx,
		`UPDATE cafeteria_schema_migrations SET checksum = $1 WHERE version = 2`, checksum)
	require.NoError(t, err)
	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationStatus(t, store, 4, 4)

	// версия, которой нет в бинаре: схему накатил более новый релиз
	_, err = store.DB().ExecContext(ctx,
		`INSERT INTO cafeteria_schema_migrations (version, name, checksum) VALUES (99, 'future', 'x')`)
	require.NoError(t, err)

	err = store.MigrateUp(ctx, 0)
	require.True(t, errors.Is(err, ErrMigrationDrift), "unknown applied version must be reported: %v", err)
}

func TestMigrator_GuardsAndUnsupportedDirection(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, nilStore.MigrateUp(ctx, 0))
	require.Error(t, nilStore.MigrateDown(ctx, 1))
	_, _, err := nilStore.MigrationStatus(ctx)
	require.Error(t, err)

	store := rawStore(t)
	require.Error(t, store.migrate(ctx, migrationDirection("invalid"), 0))
}
