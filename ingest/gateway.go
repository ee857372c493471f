// Package ingest runs the gateway: it polls every configured node, decides the
// ledger extension by quorum, commits it and keeps the pending transaction
// snapshot current.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/metrics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodeclient"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/quorum"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/resilience"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/worker"
)

// Loop names, also used as metric labels.
const (
	LoopNodeFetch      = "node_fetch"
	LoopNodeMempool    = "node_mempool"
	LoopLedgerCommit   = "ledger_commit"
	LoopNodeRefresh    = "node_refresh"
	LoopNodeSupervisor = "node_supervisor"
)

// Store is the persistence the gateway needs.
type Store interface {
	ledger.Store
	SavePendingChanges(ctx context.Context, added, dropped []mempool.PendingTransactionHashPair, at time.Time) error
	ResetPending(ctx context.Context, at time.Time) error
}

// LoopPolicies holds the backoff policy of every loop.
type LoopPolicies struct {
	NodeFetch      resilience.BackoffPolicy `yaml:"node_fetch"`
	NodeMempool    resilience.BackoffPolicy `yaml:"node_mempool"`
	LedgerCommit   resilience.BackoffPolicy `yaml:"ledger_commit"`
	NodeRefresh    resilience.BackoffPolicy `yaml:"node_refresh"`
	NodeSupervisor resilience.BackoffPolicy `yaml:"node_supervisor"`
}

// ApplyDefaults fills unset policy fields.
func (p *LoopPolicies) ApplyDefaults() {
	if p.NodeRefresh.PollInterval == 0 {
		p.NodeRefresh.PollInterval = 10 * time.Second
	}
	if p.NodeSupervisor.PollInterval == 0 {
		p.NodeSupervisor.PollInterval = time.Second
	}
	for _, policy := range p.all() {
		policy.ApplyDefaults()
	}
}

func (p *LoopPolicies) Validate() error {
	names := []string{LoopNodeFetch, LoopNodeMempool, LoopLedgerCommit, LoopNodeRefresh, LoopNodeSupervisor}
	var errs []error
	for i, policy := range p.all() {
		if err := policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("workers.%s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}

func (p *LoopPolicies) all() []*resilience.BackoffPolicy {
	return []*resilience.BackoffPolicy{&p.NodeFetch, &p.NodeMempool, &p.LedgerCommit, &p.NodeRefresh, &p.NodeSupervisor}
}

// Deps are the collaborators of a Gateway. Store, Registry and Clients are
// required.
type Deps struct {
	Store    Store
	Registry *nodes.Registry
	// NodeSource is polled by the refresh loop. Nil disables the loop and
	// keeps the registry as loaded.
	NodeSource nodes.Source
	Clients    nodeclient.Factory
	Quorum     quorum.Config
	Policies   LoopPolicies
	// DisableMempool skips the per-node mempool loops.
	DisableMempool bool
	Clock          clock.Clock
	Logger         *logging.ComponentLogger
	Metrics        *metrics.Collector
}

// Gateway owns the running loops.
type Gateway struct {
	runID     uuid.UUID
	store     Store
	registry  *nodes.Registry
	source    nodes.Source
	clients   nodeclient.Factory
	policies  LoopPolicies
	mempoolOn bool
	clock     clock.Clock
	logger    *logging.ComponentLogger
	metrics   *metrics.Collector
	quorum    *quorum.Confirmation
	processor *ledger.Processor
	tracker   *mempool.Tracker
	outbox    *pendingOutbox

	commitLoop     *worker.Loop
	refreshLoop    *worker.Loop
	supervisorLoop *worker.Loop

	mu      sync.Mutex
	workers map[string]*nodeWorkers
}

// New reads the ledger tail and prepares the loops. Nothing runs until Run.
func New(ctx context.Context, deps Deps) (*Gateway, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Clients == nil {
		return nil, errors.New("ingest: store, registry and client factory are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector("ledger_gateway", deps.Logger)
	}

	processor, err := ledger.NewProcessor(ctx, deps.Store)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		runID:     uuid.New(),
		store:     deps.Store,
		registry:  deps.Registry,
		source:    deps.NodeSource,
		clients:   deps.Clients,
		policies:  deps.Policies,
		mempoolOn: !deps.DisableMempool,
		clock:     deps.Clock,
		logger:    deps.Logger.With("ingest"),
		metrics:   deps.Metrics,
		quorum:    quorum.New(deps.Quorum, deps.Registry),
		processor: processor,
		tracker:   mempool.NewTracker(),
		outbox:    newPendingOutbox(),
		workers:   make(map[string]*nodeWorkers),
	}

	if key, ok := processor.Tail().Key(); ok {
		g.metrics.SetWatermark(key.StateVersion, key.GroupIndex)
	}

	g.commitLoop = g.newLoop(LoopLedgerCommit, deps.Policies.LedgerCommit, g.logger, nil, g.commitExtension)
	g.supervisorLoop = g.newLoop(LoopNodeSupervisor, deps.Policies.NodeSupervisor, g.logger, nil, g.superviseNodes)
	if g.source != nil {
		g.refreshLoop = g.newLoop(LoopNodeRefresh, deps.Policies.NodeRefresh, g.logger, nil, g.refreshRegistry)
	}
	return g, nil
}

func (g *Gateway) newLoop(name string, policy resilience.BackoffPolicy, logger *logging.ComponentLogger, enabled func() bool, work worker.WorkFunc) *worker.Loop {
	return worker.New(worker.Config{
		Name:     name,
		Policy:   policy,
		Clock:    g.clock,
		Logger:   logger,
		Observer: g.metrics.LoopObserver(name),
		Enabled:  enabled,
		Work:     work,
	})
}

// Run starts every loop and blocks until ctx is cancelled. Open pending
// records from a previous run are closed first since the tracker starts empty.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.store.ResetPending(ctx, g.clock.Now()); err != nil {
		return fmt.Errorf("failed to reset pending transactions: %w", err)
	}

	snapshot := g.registry.Snapshot()
	g.logger.Info().
		Str("run_id", g.runID.String()).
		Str("tail", g.processor.Tail().String()).
		Int("nodes", snapshot.Len()).
		Int("eligible_nodes", len(snapshot.EligibleForIndexing())).
		Msg("Gateway started")

	eg, gctx := errgroup.WithContext(ctx)
	for _, l := range g.fixedLoops() {
		l := l
		eg.Go(func() error {
			return l.Run(gctx)
		})
	}
	err := eg.Wait()

	g.stopAllNodes()
	g.logger.Info().Str("run_id", g.runID.String()).Msg("Gateway stopped")
	return err
}

func (g *Gateway) fixedLoops() []*worker.Loop {
	loops := []*worker.Loop{g.commitLoop, g.supervisorLoop}
	if g.refreshLoop != nil {
		loops = append(loops, g.refreshLoop)
	}
	return loops
}

// Tail returns the committed ledger tail.
func (g *Gateway) Tail() ledger.Tail {
	return g.processor.Tail()
}

// PendingTransactions returns the current pending snapshot.
func (g *Gateway) PendingTransactions() mempool.Set {
	return g.tracker.Snapshot()
}

// Status is a point-in-time view for the health endpoint.
type Status struct {
	RunID               string                     `json:"run_id"`
	Tail                string                     `json:"tail"`
	StateVersion        uint64                     `json:"state_version"`
	PendingTransactions int                        `json:"pending_transactions"`
	UnsavedPending      int                        `json:"unsaved_pending_changes"`
	Loops               map[string]worker.RunState `json:"loops"`
	Nodes               []NodeStatus               `json:"nodes"`
}

// NodeStatus combines the quorum view of a node with its loop states.
type NodeStatus struct {
	quorum.NodeStatus
	Eligible bool             `json:"eligible"`
	Fetch    *worker.RunState `json:"fetch,omitempty"`
	Mempool  *worker.RunState `json:"mempool,omitempty"`
}

func (g *Gateway) Status() Status {
	tail := g.processor.Tail()
	st := Status{
		RunID:               g.runID.String(),
		Tail:                tail.String(),
		StateVersion:        tail.StateVersion(),
		PendingTransactions: g.tracker.Len(),
		UnsavedPending:      g.outbox.Len(),
		Loops:               make(map[string]worker.RunState),
	}
	for _, l := range g.fixedLoops() {
		st.Loops[l.Name()] = l.State()
	}

	snapshot := g.registry.Snapshot()
	byNode := make(map[string]quorum.NodeStatus)
	for _, ns := range g.quorum.Status() {
		byNode[ns.Node] = ns
	}

	g.mu.Lock()
	for _, n := range snapshot.Nodes() {
		ns, ok := byNode[n.Name]
		if !ok {
			ns = quorum.NodeStatus{Node: n.Name}
		}
		status := NodeStatus{NodeStatus: ns, Eligible: n.EnabledForIndexing}
		if w, ok := g.workers[n.Name]; ok {
			fetch := w.fetch.State()
			status.Fetch = &fetch
			if w.mempool != nil {
				mp := w.mempool.State()
				status.Mempool = &mp
			}
		}
		st.Nodes = append(st.Nodes, status)
	}
	g.mu.Unlock()

	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].Node < st.Nodes[j].Node })
	return st
}
