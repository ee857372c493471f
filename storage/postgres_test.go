package storage

import (
	"context"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/numerics"
)

const testDSNEnv = "LEDGER_GATEWAY_TEST_DSN"

func TestSchemaRendersPrecision(t *testing.T) {
	ddl := Schema(numerics.DefaultStorageCodec)
	assert.Contains(t, ddl, "NUMERIC(1000, 18)")
	assert.NotContains(t, ddl, "{{")

	ddl = Schema(numerics.StorageCodec{Precision: 60})
	assert.Contains(t, ddl, "NUMERIC(60, 18)")
}

func TestUnstorableStateVersionsAreRejected(t *testing.T) {
	largest := ledger.NewOperationGroup(ledger.GroupKey{StateVersion: math.MaxInt64})
	assert.NoError(t, checkStorable(largest))

	over := ledger.NewOperationGroup(ledger.GroupKey{StateVersion: math.MaxInt64 + 1})
	err := checkStorable(over)
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrMalformedGroup)

	mem := NewMemoryStore(nil)
	err = mem.CommitOperationGroup(context.Background(), over)
	assert.ErrorIs(t, err, ledger.ErrMalformedGroup)
	assert.Empty(t, mem.Groups())
}

// newTestStore connects to a scratch database and drops the gateway tables
// so every test starts from an empty ledger.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, PostgresOptions{DSN: dsn, MaxConns: 4}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.pool.Exec(ctx, `DROP TABLE IF EXISTS ledger_balance_operations, ledger_operation_groups,
		ledger_substates, pending_transactions, ledger_nodes`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresCommitAndTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tail, err := store.ReadTail(ctx)
	require.NoError(t, err)
	assert.True(t, tail.IsEmpty())

	p, err := ledger.NewProcessor(ctx, store)
	require.NoError(t, err)

	require.NoError(t, p.AppendOperationGroup(ctx, ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 1},
		op(ledger.Up, "a", 250), op(ledger.Up, "b", 5))))
	require.NoError(t, p.AppendOperationGroup(ctx, ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 1, GroupIndex: 1},
		op(ledger.Down, "a", -250))))

	err = p.AppendOperationGroup(ctx, ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 2}, op(ledger.Down, "a", -250)))
	assert.ErrorIs(t, err, ledger.ErrInvalidSubstateTransition)

	tail, err = store.ReadTail(ctx)
	require.NoError(t, err)
	k, _ := tail.Key()
	assert.Equal(t, ledger.GroupKey{StateVersion: 1, GroupIndex: 1}, k)

	states, err := store.SubstateStates(ctx, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	assert.True(t, states["a"].IsDown())
	assert.False(t, states["b"].IsDown())
	assert.True(t, states["b"].UpAmount.Equal(numerics.FromSubUnitsInt64(5)))

	// a second processor with a stale tail is rejected by the store
	stale := ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 1})
	assert.ErrorIs(t, store.CommitOperationGroup(ctx, stale), ledger.ErrOutOfOrder)
}

func TestPostgresCommitStampsClockTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store.clock = mock

	require.NoError(t, store.CommitOperationGroup(ctx, ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 1},
		op(ledger.Up, "a", 1))))

	var committedAt time.Time
	require.NoError(t, store.pool.QueryRow(ctx,
		`SELECT committed_at FROM ledger_operation_groups WHERE state_version = 1`).Scan(&committedAt))
	assert.True(t, committedAt.Equal(mock.Now()), "committed_at %s", committedAt)
}

func TestPostgresAmountsAtPrecisionBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	largest := numerics.FromDecimalString("9" + strings.Repeat("9", 981))
	require.NoError(t, store.CommitOperationGroup(ctx, ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 1},
		ledger.BalanceOperation{SubstateIdentifier: []byte("big"), SubstateOperationType: ledger.Up, AmountDelta: largest})))

	states, err := store.SubstateStates(ctx, [][]byte{[]byte("big")})
	require.NoError(t, err)
	assert.True(t, states["big"].UpAmount.Equal(largest))
}

func TestPostgresPendingAndNodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p1 := mempool.NewHashPair([]byte{1}, []byte{2})
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, store.SavePendingChanges(ctx, []mempool.PendingTransactionHashPair{p1}, nil, now))
	require.NoError(t, store.SavePendingChanges(ctx, []mempool.PendingTransactionHashPair{p1}, nil, now.Add(time.Second)))
	require.NoError(t, store.SavePendingChanges(ctx, nil, []mempool.PendingTransactionHashPair{p1}, now.Add(2*time.Second)))
	require.NoError(t, store.ResetPending(ctx, now.Add(3*time.Second)))

	var open int
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT count(*) FROM pending_transactions WHERE dropped_at IS NULL`).Scan(&open))
	assert.Zero(t, open)

	list := []nodes.Node{
		{Name: "b", Address: "http://b", TrustWeight: decimal.RequireFromString("0.25"), EnabledForIndexing: true},
		{Name: "a", Address: "http://a", TrustWeight: decimal.NewFromInt(3)},
	}
	require.NoError(t, store.ReplaceNodes(ctx, list))
	got, err := store.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Name)
	assert.True(t, got[0].TrustWeight.Equal(decimal.RequireFromString("0.25")))
	assert.False(t, got[1].EnabledForIndexing)

	assert.ErrorIs(t, store.ReplaceNodes(ctx, []nodes.Node{{Name: ""}}), nodes.ErrInvalidConfiguration)
}
