package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodeclient"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/worker"
)

// nodeWorkers are the fetch and mempool loops of one node.
type nodeWorkers struct {
	node    nodes.Node
	fetch   *worker.Loop
	mempool *worker.Loop
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (w *nodeWorkers) stop() {
	w.cancel()
	w.wg.Wait()
}

// superviseNodes starts loops for nodes that joined the registry, restarts
// loops of nodes whose address changed and stops loops of nodes that left.
func (g *Gateway) superviseNodes(ctx context.Context) error {
	snapshot := g.registry.Snapshot()
	g.metrics.SetRegistrySize(snapshot.Len(), len(snapshot.EligibleForIndexing()))

	wanted := make(map[string]nodes.Node, snapshot.Len())
	for _, n := range snapshot.Nodes() {
		wanted[n.Name] = n
	}

	g.mu.Lock()
	var stale []*nodeWorkers
	for name, w := range g.workers {
		if n, ok := wanted[name]; !ok || n.Address != w.node.Address {
			stale = append(stale, w)
			delete(g.workers, name)
		}
	}
	g.mu.Unlock()

	for _, w := range stale {
		w.stop()
		if _, stillConfigured := wanted[w.node.Name]; !stillConfigured {
			g.forgetNode(ctx, w.node.Name)
		}
		g.logger.Info().Str("node", w.node.Name).Msg("Stopped node workers")
	}

	var errs []error
	for _, n := range snapshot.Nodes() {
		g.mu.Lock()
		_, running := g.workers[n.Name]
		g.mu.Unlock()
		if running {
			continue
		}

		client, err := g.clients(n)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to create client for node %s: %w", n.Name, err))
			continue
		}
		g.startNode(ctx, n, client)
	}
	return errors.Join(errs...)
}

func (g *Gateway) startNode(parent context.Context, n nodes.Node, client nodeclient.Client) {
	ctx, cancel := context.WithCancel(parent)
	name := n.Name
	logger := g.logger.WithNode(name)
	enabled := func() bool { return g.registry.Snapshot().IsEligible(name) }

	w := &nodeWorkers{
		node:   n,
		cancel: cancel,
		fetch: g.newLoop(LoopNodeFetch, g.policies.NodeFetch, logger, enabled, func(ctx context.Context) error {
			return g.fetchNode(ctx, name, client)
		}),
	}
	if g.mempoolOn {
		w.mempool = g.newLoop(LoopNodeMempool, g.policies.NodeMempool, logger, enabled, func(ctx context.Context) error {
			return g.fetchMempool(ctx, name, client)
		})
	}

	for _, l := range []*worker.Loop{w.fetch, w.mempool} {
		if l == nil {
			continue
		}
		l := l
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			_ = l.Run(ctx)
		}()
	}

	g.mu.Lock()
	g.workers[name] = w
	g.mu.Unlock()

	logger.Info().
		Str("address", n.Address).
		Bool("eligible", n.EnabledForIndexing).
		Msg("Started node workers")
}

func (g *Gateway) stopAllNodes() {
	g.mu.Lock()
	all := make([]*nodeWorkers, 0, len(g.workers))
	for name, w := range g.workers {
		all = append(all, w)
		delete(g.workers, name)
	}
	g.mu.Unlock()

	for _, w := range all {
		w.stop()
	}
}

// forgetNode drops a removed node's reports and publishes the pending
// transactions only it was reporting as dropped.
func (g *Gateway) forgetNode(ctx context.Context, name string) {
	g.quorum.ForgetNode(name)
	g.metrics.ForgetNode(name)
	if dropped := g.tracker.ForgetNode(name); len(dropped) > 0 {
		g.outbox.Record(nil, dropped)
		if err := g.flushPending(ctx); err != nil {
			g.logger.Warn().Err(err).Str("node", name).Msg("Failed to save pending changes, will retry")
		}
	}
}

// fetchNode pulls the next page of history from a node into the quorum.
func (g *Gateway) fetchNode(ctx context.Context, name string, client nodeclient.Client) error {
	tail := g.processor.Tail()
	from, limit, ok := g.quorum.RequestedRange(name, tail)
	if !ok {
		// pipeline full until the commit loop catches up
		return nil
	}

	ops, err := client.FetchOperations(ctx, from, limit)
	if err != nil {
		if kind := nodeclient.KindOf(err); kind != 0 && ctx.Err() == nil {
			g.metrics.RecordNodeFetchError(name, kind.String())
		}
		return fmt.Errorf("failed to fetch operations from %s: %w", name, err)
	}

	g.quorum.SubmitNodeTip(name, ops.TipStateVersion)
	g.metrics.SetNodeTip(name, ops.TipStateVersion)

	if _, err := g.quorum.SubmitNodeVersions(name, tail, ops.Versions); err != nil {
		g.metrics.RecordNodeFetchError(name, nodeclient.KindMalformedResponse.String())
		return fmt.Errorf("node %s sent unusable versions: %w", name, err)
	}
	return nil
}

// fetchMempool reconciles a node's mempool into the pending snapshot.
func (g *Gateway) fetchMempool(ctx context.Context, name string, client nodeclient.Client) error {
	observed, err := client.FetchPendingTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch mempool from %s: %w", name, err)
	}

	added, dropped := g.tracker.Reconcile(name, observed)
	g.outbox.Record(added, dropped)
	return g.flushPending(ctx)
}

// refreshRegistry reloads the node list from the configured source.
func (g *Gateway) refreshRegistry(ctx context.Context) error {
	changed, err := g.registry.Refresh(ctx, g.source)
	if err != nil {
		return fmt.Errorf("failed to refresh node registry: %w", err)
	}
	if changed {
		snapshot := g.registry.Snapshot()
		g.metrics.RecordRegistryRefresh()
		g.metrics.SetRegistrySize(snapshot.Len(), len(snapshot.EligibleForIndexing()))
		g.logger.Info().
			Uint64("revision", snapshot.Revision()).
			Int("nodes", snapshot.Len()).
			Int("eligible_nodes", len(snapshot.EligibleForIndexing())).
			Msg("Node registry changed")
	}
	return nil
}
