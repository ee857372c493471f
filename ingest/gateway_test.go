package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/metrics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodeclient"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/numerics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/quorum"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/resilience"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeNode serves a fixed history and mempool.
type fakeNode struct {
	mu       sync.Mutex
	tip      uint64
	versions map[uint64]quorum.Version
	pending  mempool.Set
	err      error
}

func newFakeNode(versions ...quorum.Version) *fakeNode {
	f := &fakeNode{versions: make(map[uint64]quorum.Version), pending: mempool.NewSet()}
	for _, v := range versions {
		f.versions[v.StateVersion] = v
		if v.StateVersion > f.tip {
			f.tip = v.StateVersion
		}
	}
	return f
}

func (f *fakeNode) FetchOperations(ctx context.Context, since uint64, limit int) (nodeclient.Operations, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nodeclient.Operations{}, f.err
	}
	ops := nodeclient.Operations{TipStateVersion: f.tip}
	for v := since; v <= f.tip && len(ops.Versions) < limit; v++ {
		ops.Versions = append(ops.Versions, f.versions[v])
	}
	return ops, nil
}

func (f *fakeNode) FetchPendingTransactions(ctx context.Context) (mempool.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return mempool.NewSet(f.pending.Sorted()...), nil
}

func (f *fakeNode) setPending(pairs ...mempool.PendingTransactionHashPair) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = mempool.NewSet(pairs...)
}

// upVersion brings up one substate per amount, each in its own group.
func upVersion(stateVersion uint64, amounts ...int64) quorum.Version {
	v := quorum.Version{StateVersion: stateVersion}
	for i, a := range amounts {
		key := ledger.GroupKey{StateVersion: stateVersion, GroupIndex: uint32(i)}
		v.Groups = append(v.Groups, ledger.NewOperationGroup(key, ledger.BalanceOperation{
			SubstateIdentifier:    []byte{byte(stateVersion), byte(i)},
			SubstateOperationType: ledger.Up,
			AmountDelta:           numerics.FromSubUnitsInt64(a),
		}))
	}
	return v
}

func testNode(name string) nodes.Node {
	return nodes.Node{Name: name, Address: "http://" + name, TrustWeight: decimal.NewFromInt(1), EnabledForIndexing: true}
}

var fastPolicy = resilience.BackoffPolicy{
	PollInterval: time.Millisecond,
	Baseline:     time.Millisecond,
	Rate:         2,
	MaxDelay:     5 * time.Millisecond,
}

type harness struct {
	gateway  *Gateway
	store    *storage.MemoryStore
	registry *nodes.Registry
	metrics  *metrics.Collector
	fakes    map[string]*fakeNode
}

func newHarness(t *testing.T, clk clock.Clock, fakes map[string]*fakeNode, list ...nodes.Node) *harness {
	t.Helper()
	h := &harness{
		store:   storage.NewMemoryStore(clk.Now),
		metrics: metrics.NewCollector("test", logging.Nop()),
		fakes:   fakes,
	}
	reg, err := nodes.NewRegistry(list, clk)
	require.NoError(t, err)
	h.registry = reg

	var qcfg quorum.Config
	qcfg.ApplyDefaults()

	g, err := New(context.Background(), Deps{
		Store:    h.store,
		Registry: reg,
		Clients: func(n nodes.Node) (nodeclient.Client, error) {
			f, ok := h.fakes[n.Name]
			if !ok {
				return nil, errors.New("no such fake")
			}
			return f, nil
		},
		Quorum: qcfg,
		Policies: LoopPolicies{
			NodeFetch:      fastPolicy,
			NodeMempool:    fastPolicy,
			LedgerCommit:   fastPolicy,
			NodeRefresh:    fastPolicy,
			NodeSupervisor: fastPolicy,
		},
		Clock:   clk,
		Metrics: h.metrics,
	})
	require.NoError(t, err)
	h.gateway = g
	t.Cleanup(g.stopAllNodes)
	return h
}

func (h *harness) fetchAll(t *testing.T) {
	t.Helper()
	for name, f := range h.fakes {
		require.NoError(t, h.gateway.fetchNode(context.Background(), name, f))
	}
}

func (h *harness) scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestCommitsAgreedHistory(t *testing.T) {
	agreed := []quorum.Version{upVersion(1, 10, 20), upVersion(2, 30)}
	h := newHarness(t, clock.NewMock(), map[string]*fakeNode{
		"a": newFakeNode(agreed...),
		"b": newFakeNode(agreed...),
		"c": newFakeNode(upVersion(1, 10, 20), upVersion(2, 99)),
	}, testNode("a"), testNode("b"), testNode("c"))

	h.fetchAll(t)
	require.NoError(t, h.gateway.commitExtension(context.Background()))

	groups := h.store.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, ledger.GroupKey{StateVersion: 2, GroupIndex: 0}, groups[2].Group.Key)
	assert.True(t, groups[2].Group.Operations[0].AmountDelta.Equal(numerics.FromSubUnitsInt64(30)))

	tail, ok := h.gateway.Tail().Key()
	require.True(t, ok)
	assert.Equal(t, uint64(2), tail.StateVersion)

	status := h.gateway.Status()
	require.Len(t, status.Nodes, 3)
	assert.Equal(t, quorum.Consistent, status.Nodes[0].Consistency)
	assert.Equal(t, quorum.Inconsistent, status.Nodes[2].Consistency)
	assert.Contains(t, h.scrape(t), `test_ledger_committed_groups_total 3`)
}

func TestCommitWithoutQuorumIsNotAnError(t *testing.T) {
	h := newHarness(t, clock.NewMock(), map[string]*fakeNode{
		"a": newFakeNode(upVersion(1, 1)),
		"b": newFakeNode(upVersion(1, 2)),
		"c": newFakeNode(upVersion(1, 3)),
	}, testNode("a"), testNode("b"), testNode("c"))

	h.fetchAll(t)
	require.NoError(t, h.gateway.commitExtension(context.Background()))
	assert.Empty(t, h.store.Groups())
	assert.True(t, h.gateway.Tail().IsEmpty())
}

func TestIntegrityViolationDiscardsReports(t *testing.T) {
	bad := quorum.Version{StateVersion: 1}
	bad.Groups = []ledger.OperationGroup{ledger.NewOperationGroup(ledger.GroupKey{StateVersion: 1}, ledger.BalanceOperation{
		SubstateIdentifier:    []byte("never-up"),
		SubstateOperationType: ledger.Down,
		AmountDelta:           numerics.FromSubUnitsInt64(-5),
	})}
	h := newHarness(t, clock.NewMock(), map[string]*fakeNode{
		"a": newFakeNode(bad),
	}, testNode("a"))

	h.fetchAll(t)
	require.Equal(t, 1, h.gateway.quorum.PipelineSize("a"))

	err := h.gateway.commitExtension(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInvalidSubstateTransition)
	assert.Zero(t, h.gateway.quorum.PipelineSize("a"))
	assert.Empty(t, h.store.Groups())
	assert.Contains(t, h.scrape(t), `test_ledger_integrity_violations_total{kind="invalid_substate_transition"} 1`)

	// the node is asked for the same version again
	from, _, ok := h.gateway.quorum.RequestedRange("a", h.gateway.Tail())
	assert.True(t, ok)
	assert.Equal(t, uint64(1), from)
}

func TestFetchErrorsAreCounted(t *testing.T) {
	f := newFakeNode()
	f.err = &nodeclient.Error{Kind: nodeclient.KindNodeReported, Code: nodeclient.CodeRateLimited, Node: "a", Err: errors.New("slow down")}
	h := newHarness(t, clock.NewMock(), map[string]*fakeNode{"a": f}, testNode("a"))

	err := h.gateway.fetchNode(context.Background(), "a", f)
	require.Error(t, err)
	assert.Equal(t, nodeclient.KindNodeReported, nodeclient.KindOf(err))
	assert.Contains(t, h.scrape(t), `test_node_fetch_errors_total{kind="node_reported",node="a"} 1`)
}

func TestMempoolReconcilesAcrossNodes(t *testing.T) {
	mock := clock.NewMock()
	p1 := mempool.NewHashPair([]byte{1}, []byte{1})
	p2 := mempool.NewHashPair([]byte{2}, []byte{2})
	a, b := newFakeNode(), newFakeNode()
	a.setPending(p1, p2)
	b.setPending(p2)
	h := newHarness(t, mock, map[string]*fakeNode{"a": a, "b": b}, testNode("a"), testNode("b"))
	ctx := context.Background()

	require.NoError(t, h.gateway.fetchMempool(ctx, "a", a))
	require.NoError(t, h.gateway.fetchMempool(ctx, "b", b))
	assert.Equal(t, 2, h.gateway.PendingTransactions().Len())

	mock.Add(time.Minute)
	a.setPending()
	require.NoError(t, h.gateway.fetchMempool(ctx, "a", a))

	open := map[mempool.PendingTransactionHashPair]bool{}
	for _, rec := range h.store.PendingRecords() {
		open[rec.Pair] = rec.DroppedAt == nil
	}
	assert.False(t, open[p1])
	assert.True(t, open[p2], "still reported by b")
	assert.Equal(t, 1, h.gateway.PendingTransactions().Len())
}

type flakyPendingStore struct {
	*storage.MemoryStore
	failures int
}

func (s *flakyPendingStore) SavePendingChanges(ctx context.Context, added, dropped []mempool.PendingTransactionHashPair, at time.Time) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.MemoryStore.SavePendingChanges(ctx, added, dropped, at)
}

func TestPendingChangesSurviveSaveFailures(t *testing.T) {
	mock := clock.NewMock()
	flaky := &flakyPendingStore{MemoryStore: storage.NewMemoryStore(mock.Now), failures: 1}
	reg, err := nodes.NewRegistry([]nodes.Node{testNode("a")}, mock)
	require.NoError(t, err)

	a := newFakeNode()
	p := mempool.NewHashPair([]byte{7}, []byte{8})
	a.setPending(p)

	g, err := New(context.Background(), Deps{
		Store:    flaky,
		Registry: reg,
		Clients:  func(nodes.Node) (nodeclient.Client, error) { return a, nil },
		Quorum:   quorum.Config{TrustProportion: 0.5, MaxCommitBatchSize: 10, MaxPipelineSizePerNode: 10},
		Clock:    mock,
		Metrics:  metrics.NewCollector("test", logging.Nop()),
	})
	require.NoError(t, err)

	require.Error(t, g.fetchMempool(context.Background(), "a", a))
	assert.Equal(t, 1, g.outbox.Len())
	assert.Empty(t, flaky.PendingRecords())

	// nothing new from the node, but the queued change is written
	require.NoError(t, g.fetchMempool(context.Background(), "a", a))
	assert.Zero(t, g.outbox.Len())
	require.Len(t, flaky.PendingRecords(), 1)
	assert.Equal(t, p, flaky.PendingRecords()[0].Pair)
}

func TestOutboxKeepsLatestChange(t *testing.T) {
	o := newPendingOutbox()
	p := mempool.NewHashPair([]byte{1}, []byte{2})
	q := mempool.NewHashPair([]byte{3}, []byte{4})

	o.Record([]mempool.PendingTransactionHashPair{p, q}, nil)
	o.Record(nil, []mempool.PendingTransactionHashPair{p})
	added, dropped := o.take()
	assert.Equal(t, []mempool.PendingTransactionHashPair{q}, added)
	assert.Equal(t, []mempool.PendingTransactionHashPair{p}, dropped)

	// a failed save does not override what happened since
	o.Record([]mempool.PendingTransactionHashPair{p}, nil)
	o.restore(added, dropped)
	added, dropped = o.take()
	assert.ElementsMatch(t, []mempool.PendingTransactionHashPair{p, q}, added)
	assert.Empty(t, dropped)
}

func TestSupervisorFollowsRegistry(t *testing.T) {
	p := mempool.NewHashPair([]byte{9}, []byte{9})
	b := newFakeNode()
	b.setPending(p)
	h := newHarness(t, clock.New(), map[string]*fakeNode{
		"a": newFakeNode(),
		"b": b,
	}, testNode("a"), testNode("b"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.gateway.superviseNodes(ctx))
	require.Len(t, h.gateway.workers, 2)
	require.Eventually(t, func() bool { return h.gateway.PendingTransactions().Len() == 1 }, 5*time.Second, time.Millisecond)

	changed, err := h.registry.Replace([]nodes.Node{testNode("a")})
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, h.gateway.superviseNodes(ctx))
	assert.Len(t, h.gateway.workers, 1)
	assert.Contains(t, h.gateway.workers, "a")
	assert.Zero(t, h.gateway.PendingTransactions().Len(), "only b reported the pair")

	moved := testNode("a")
	moved.Address = "http://a-replacement"
	_, err = h.registry.Replace([]nodes.Node{moved})
	require.NoError(t, err)
	require.NoError(t, h.gateway.superviseNodes(ctx))
	assert.Equal(t, "http://a-replacement", h.gateway.workers["a"].node.Address)
}

func TestSupervisorReportsClientErrors(t *testing.T) {
	h := newHarness(t, clock.New(), map[string]*fakeNode{"a": newFakeNode()}, testNode("a"), testNode("orphan"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := h.gateway.superviseNodes(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
	assert.Len(t, h.gateway.workers, 1)
}

func TestRunCommitsAndStops(t *testing.T) {
	history := []quorum.Version{upVersion(1, 1), upVersion(2, 2, 3), upVersion(3, 4)}
	h := newHarness(t, clock.New(), map[string]*fakeNode{
		"a": newFakeNode(history...),
		"b": newFakeNode(history...),
	}, testNode("a"), testNode("b"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.gateway.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.store.Groups()) == 4 }, 5*time.Second, time.Millisecond)
	st := h.gateway.Status()
	assert.Equal(t, uint64(3), st.StateVersion)
	assert.Contains(t, st.Loops, LoopLedgerCommit)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
	assert.Empty(t, h.gateway.workers)
}

func TestRefreshLoadsNodesFromSource(t *testing.T) {
	mock := clock.NewMock()
	store := storage.NewMemoryStore(mock.Now)
	reg, err := nodes.NewRegistry([]nodes.Node{testNode("a")}, mock)
	require.NoError(t, err)
	store.SetNodes([]nodes.Node{testNode("a"), testNode("b")})

	g, err := New(context.Background(), Deps{
		Store:      store,
		Registry:   reg,
		NodeSource: store,
		Clients:    func(nodes.Node) (nodeclient.Client, error) { return newFakeNode(), nil },
		Quorum:     quorum.Config{TrustProportion: 0.5, MaxCommitBatchSize: 10, MaxPipelineSizePerNode: 10},
		Clock:      mock,
	})
	require.NoError(t, err)
	require.NotNil(t, g.refreshLoop)

	require.NoError(t, g.refreshRegistry(context.Background()))
	assert.Equal(t, 2, reg.Snapshot().Len())
	assert.Equal(t, uint64(2), reg.Snapshot().Revision())
}

func TestLoopPolicyDefaults(t *testing.T) {
	var p LoopPolicies
	p.ApplyDefaults()
	require.NoError(t, p.Validate())
	assert.Equal(t, 10*time.Second, p.NodeRefresh.PollInterval)
	assert.Equal(t, time.Second, p.NodeSupervisor.PollInterval)
	assert.Equal(t, resilience.DefaultBackoffPolicy().PollInterval, p.NodeFetch.PollInterval)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), Deps{})
	assert.Error(t, err)
}

func TestDisabledMempoolStartsOnlyFetchLoops(t *testing.T) {
	reg, err := nodes.NewRegistry([]nodes.Node{testNode("a")}, clock.New())
	require.NoError(t, err)
	g, err := New(context.Background(), Deps{
		Store:          storage.NewMemoryStore(time.Now),
		Registry:       reg,
		Clients:        func(nodes.Node) (nodeclient.Client, error) { return newFakeNode(), nil },
		Quorum:         quorum.Config{TrustProportion: 0.5, MaxCommitBatchSize: 10, MaxPipelineSizePerNode: 10},
		Policies:       LoopPolicies{NodeFetch: fastPolicy, NodeMempool: fastPolicy, LedgerCommit: fastPolicy, NodeSupervisor: fastPolicy},
		DisableMempool: true,
	})
	require.NoError(t, err)
	t.Cleanup(g.stopAllNodes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.superviseNodes(ctx))

	require.Contains(t, g.workers, "a")
	assert.Nil(t, g.workers["a"].mempool)
	st := g.Status()
	require.Len(t, st.Nodes, 1)
	assert.NotNil(t, st.Nodes[0].Fetch)
	assert.Nil(t, st.Nodes[0].Mempool)
}
