package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/atmx/auction-engine/internal/store"
)

// TestPostgresStore runs the store contract against a real database when
// TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	for _, table := range []string{"settlements", "bids", "auctions"} {
		_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
		require.NoError(t, err)
	}
	pg := store.NewPostgresStore(pool)
	require.NoError(t, pg.Migrate(ctx))

	runStoreSuite(t, pg)
}
