// Package mempool tracks transactions that ledger nodes report as pending.
package mempool

import "sync"

// Tracker holds the set of in-flight transaction identities. Pairs arrive
// either directly through Add or from per-node mempool views through
// Reconcile; a pair sourced from nodes stays pending while any node still
// reports it.
type Tracker struct {
	mu      sync.RWMutex
	pending Set
	views   map[string]Set
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(Set),
		views:   make(map[string]Set),
	}
}

// Add inserts a pair and reports whether it was new.
func (t *Tracker) Add(p PendingTransactionHashPair) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending.Contains(p) {
		return false
	}
	t.pending[p] = struct{}{}
	return true
}

// Remove deletes a pair, for example once it is committed, and reports whether
// it was present. Node views are left alone; a node still reporting the pair
// re-adds it on its next Reconcile.
func (t *Tracker) Remove(p PendingTransactionHashPair) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pending.Contains(p) {
		return false
	}
	delete(t.pending, p)
	return true
}

func (t *Tracker) Contains(p PendingTransactionHashPair) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending.Contains(p)
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// Snapshot returns a copy of the pending set.
func (t *Tracker) Snapshot() Set {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(Set, len(t.pending))
	for p := range t.pending {
		out[p] = struct{}{}
	}
	return out
}

// Reconcile replaces the mempool view of one node. It returns the pairs that
// became pending and the pairs no node reports any more, both sorted.
func (t *Tracker) Reconcile(node string, observed Set) (added, dropped []PendingTransactionHashPair) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.views[node]
	view := make(Set, len(observed))
	for p := range observed {
		view[p] = struct{}{}
	}
	t.views[node] = view

	for p := range view {
		if !t.pending.Contains(p) {
			t.pending[p] = struct{}{}
			added = append(added, p)
		}
	}
	for p := range previous {
		if view.Contains(p) || t.reportedByOtherLocked(node, p) {
			continue
		}
		if t.pending.Contains(p) {
			delete(t.pending, p)
			dropped = append(dropped, p)
		}
	}

	sortPairs(added)
	sortPairs(dropped)
	return added, dropped
}

// ForgetNode discards the view of a node that left the registry and returns
// the pairs that are no longer reported by anyone.
func (t *Tracker) ForgetNode(node string) (dropped []PendingTransactionHashPair) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous, ok := t.views[node]
	if !ok {
		return nil
	}
	delete(t.views, node)

	for p := range previous {
		if t.reportedByOtherLocked(node, p) {
			continue
		}
		if t.pending.Contains(p) {
			delete(t.pending, p)
			dropped = append(dropped, p)
		}
	}
	sortPairs(dropped)
	return dropped
}

// Nodes returns the names of nodes with a recorded view.
func (t *Tracker) Nodes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.views))
	for n := range t.views {
		out = append(out, n)
	}
	return out
}

func (t *Tracker) reportedByOtherLocked(node string, p PendingTransactionHashPair) bool {
	for other, view := range t.views {
		if other != node && view.Contains(p) {
			return true
		}
	}
	return false
}
