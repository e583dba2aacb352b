package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("AUTOFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AUTOFLOW_TEST_DATABASE_URL not set")
	}
	store, err := OpenPostgres(context.Background(), dsn, PostgresOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore_RecordAndQuery(t *testing.T) {
	store := openPostgres(t)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	recs := cycle(uuid.NewString(), ts)
	for _, rec := range recs {
		require.NoError(t, store.Record(ctx, rec))
	}
	// retried writes are idempotent
	require.NoError(t, store.Record(ctx, recs[2]))

	actions, err := store.Actions(ctx, ts, ts)
	require.NoError(t, err)
	var found int
	for _, a := range actions {
		if a.ID == recs[2].ID() {
			found++
			assert.Equal(t, recs[1].ID(), a.ResultID)
		}
	}
	assert.Equal(t, 1, found)

	readings, err := store.Readings(ctx, ts, ts)
	require.NoError(t, err)
	assert.NotEmpty(t, readings)

	assert.NoError(t, store.Verify(ctx))
}

func TestPostgresStore_ActionRequiresResult(t *testing.T) {
	store := openPostgres(t)
	recs := cycle(uuid.NewString(), time.Now().UTC())

	err := store.Record(context.Background(), recs[2])
	assert.True(t, IsStorage(err), "foreign key rejects an action without its result")
}
