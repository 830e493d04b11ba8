//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"payplan/internal/compensation/store"
	"payplan/internal/platform/config"
	"payplan/pkg/testutil/containers"
)

func TestOpenAndMigrate(t *testing.T) {
	pg := containers.NewPostgresContainer(t)

	db, err := Open(context.Background(), config.PostgresConfig{DSN: pg.DSN, MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.Migrate(db.DB))
	require.NoError(t, store.Migrate(db.DB), "migrations are idempotent")
	require.NoError(t, store.NewPostgres(db).Ping(context.Background()))
}
