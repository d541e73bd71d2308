package auditchain

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisfin/aegis/internal/testutil"
)

func TestPostgresStore_AppendAndVerify(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ledger := New(NewPostgresStore(db), "NODE_01")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := ledger.AppendEntry(ctx, map[string]any{"seq": i})
		require.NoError(t, err)
	}

	tip, err := ledger.Tip(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tip.Height)

	ok, broken, err := ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, broken)
}

func TestPostgresStore_TamperDetection(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ledger := New(NewPostgresStore(db), "NODE_01")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := ledger.AppendEntry(ctx, map[string]any{"seq": i})
		require.NoError(t, err)
	}

	// Out-of-band mutation, as an attacker with DB access would do it.
	_, err := db.ExecContext(ctx, `UPDATE audit_chain SET payload = '{"seq":99}' WHERE height = 2`)
	require.NoError(t, err)

	ok, broken, err := ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), broken)
}

func TestPostgresStore_ConcurrentAppendsNeverFork(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ledger := New(NewPostgresStore(db), "NODE_01")
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.AppendEntry(ctx, map[string]any{"writer": i})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	records, err := ledger.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, n)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Height, "heights must be sequential with no fork")
	}

	ok, _, err := ledger.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresStore_EmptyChainTip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	tip, err := store.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, GenesisTip(), tip)
}
