package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
)

// pendingOutbox holds tracker changes that are not persisted yet. The latest
// change of a pair wins, so a pair that was added and dropped again before a
// save is written once as dropped.
type pendingOutbox struct {
	mu      sync.Mutex
	changes map[mempool.PendingTransactionHashPair]bool
	saving  sync.Mutex
}

func newPendingOutbox() *pendingOutbox {
	return &pendingOutbox{changes: make(map[mempool.PendingTransactionHashPair]bool)}
}

func (o *pendingOutbox) Record(added, dropped []mempool.PendingTransactionHashPair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range added {
		o.changes[p] = true
	}
	for _, p := range dropped {
		o.changes[p] = false
	}
}

func (o *pendingOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.changes)
}

// take removes and returns everything queued.
func (o *pendingOutbox) take() (added, dropped []mempool.PendingTransactionHashPair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for p, isAdded := range o.changes {
		if isAdded {
			added = append(added, p)
		} else {
			dropped = append(dropped, p)
		}
	}
	o.changes = make(map[mempool.PendingTransactionHashPair]bool)
	return mempool.NewSet(added...).Sorted(), mempool.NewSet(dropped...).Sorted()
}

// restore puts back changes whose save failed, unless a newer change for the
// same pair was recorded meanwhile.
func (o *pendingOutbox) restore(added, dropped []mempool.PendingTransactionHashPair) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range added {
		if _, newer := o.changes[p]; !newer {
			o.changes[p] = true
		}
	}
	for _, p := range dropped {
		if _, newer := o.changes[p]; !newer {
			o.changes[p] = false
		}
	}
}

// flushPending writes queued pending changes to the store. Saves are
// serialized so an older batch never lands after a newer one.
func (g *Gateway) flushPending(ctx context.Context) error {
	g.outbox.saving.Lock()
	defer g.outbox.saving.Unlock()

	added, dropped := g.outbox.take()
	if len(added) == 0 && len(dropped) == 0 {
		return nil
	}
	if err := g.store.SavePendingChanges(ctx, added, dropped, g.clock.Now()); err != nil {
		g.outbox.restore(added, dropped)
		return fmt.Errorf("failed to save %d pending changes: %w", len(added)+len(dropped), err)
	}
	g.metrics.RecordPendingChanges(len(added), len(dropped), g.tracker.Len())
	return nil
}
