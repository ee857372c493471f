package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
)

// CommittedGroup is a group as recorded by a store.
type CommittedGroup struct {
	Group       ledger.OperationGroup
	CommitID    uuid.UUID
	CommittedAt time.Time
}

// PendingRecord is the persisted history of one pending transaction.
type PendingRecord struct {
	Pair        mempool.PendingTransactionHashPair
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	DroppedAt   *time.Time
}

// MemoryStore keeps everything in process. It backs tests and the "memory"
// storage type for local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	groups    []CommittedGroup
	substates map[string]ledger.SubstateState
	pending   map[mempool.PendingTransactionHashPair]*PendingRecord
	nodes     []nodes.Node
}

// NewMemoryStore creates an empty store. now is used for commit timestamps.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		substates: make(map[string]ledger.SubstateState),
		pending:   make(map[mempool.PendingTransactionHashPair]*PendingRecord),
	}
}

func (m *MemoryStore) ReadTail(ctx context.Context) (ledger.Tail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tailLocked(), nil
}

func (m *MemoryStore) tailLocked() ledger.Tail {
	if len(m.groups) == 0 {
		return ledger.EmptyTail()
	}
	return ledger.TailAt(m.groups[len(m.groups)-1].Group.Key)
}

func (m *MemoryStore) SubstateStates(ctx context.Context, ids [][]byte) (map[string]ledger.SubstateState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ledger.SubstateState, len(ids))
	for _, id := range ids {
		if s, ok := m.substates[string(id)]; ok {
			out[string(id)] = s
		}
	}
	return out, nil
}

// CommitOperationGroup re-checks ordering and substate transitions against the
// stored data so that concurrent writers cannot corrupt it, then applies the
// group in full.
func (m *MemoryStore) CommitOperationGroup(ctx context.Context, group ledger.OperationGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := checkStorable(group); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tail := m.tailLocked(); !tail.Accepts(group.Key) {
		return fmt.Errorf("%w: group %s does not follow stored tail %s", ledger.ErrOutOfOrder, group.Key, tail)
	}

	updates := make(map[string]ledger.SubstateState)
	for _, op := range group.Operations {
		id := string(op.SubstateIdentifier)
		current, ok := updates[id]
		if !ok {
			current, ok = m.substates[id]
		}
		switch op.SubstateOperationType {
		case ledger.Up:
			if ok {
				return fmt.Errorf("%w: substate %x already exists", ledger.ErrInvalidSubstateTransition, op.SubstateIdentifier)
			}
			updates[id] = ledger.SubstateState{
				Identifier: append([]byte(nil), op.SubstateIdentifier...),
				UpAmount:   op.AmountDelta,
				UpKey:      group.Key,
			}
		case ledger.Down:
			if !ok || current.IsDown() {
				return fmt.Errorf("%w: substate %x is not up", ledger.ErrInvalidSubstateTransition, op.SubstateIdentifier)
			}
			key := group.Key
			current.DownKey = &key
			updates[id] = current
		}
	}

	for id, s := range updates {
		m.substates[id] = s
	}
	ops := make([]ledger.BalanceOperation, len(group.Operations))
	for i, op := range group.Operations {
		op.SubstateIdentifier = append([]byte(nil), op.SubstateIdentifier...)
		ops[i] = op
	}
	m.groups = append(m.groups, CommittedGroup{
		Group:       ledger.OperationGroup{Key: group.Key, Operations: ops},
		CommitID:    uuid.New(),
		CommittedAt: m.now(),
	})
	return nil
}

// Groups returns the committed groups in commit order.
func (m *MemoryStore) Groups() []CommittedGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CommittedGroup(nil), m.groups...)
}

// SavePendingChanges records pairs that became pending and pairs that were dropped.
func (m *MemoryStore) SavePendingChanges(ctx context.Context, added, dropped []mempool.PendingTransactionHashPair, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range added {
		if rec, ok := m.pending[p]; ok {
			rec.LastSeenAt = at
			rec.DroppedAt = nil
			continue
		}
		m.pending[p] = &PendingRecord{Pair: p, FirstSeenAt: at, LastSeenAt: at}
	}
	for _, p := range dropped {
		if rec, ok := m.pending[p]; ok && rec.DroppedAt == nil {
			t := at
			rec.DroppedAt = &t
		}
	}
	return nil
}

// ResetPending marks every open pending record as dropped.
func (m *MemoryStore) ResetPending(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.pending {
		if rec.DroppedAt == nil {
			t := at
			rec.DroppedAt = &t
		}
	}
	return nil
}

// PendingRecords returns copies of all pending records.
func (m *MemoryStore) PendingRecords() []PendingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PendingRecord, 0, len(m.pending))
	for _, rec := range m.pending {
		out = append(out, *rec)
	}
	return out
}

// SetNodes replaces the node table.
func (m *MemoryStore) SetNodes(list []nodes.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append([]nodes.Node(nil), list...)
}

func (m *MemoryStore) LoadNodes(ctx context.Context) ([]nodes.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]nodes.Node(nil), m.nodes...), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() {}
