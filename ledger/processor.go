package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Store persists committed groups. CommitOperationGroup must apply the group
// and its substate transitions atomically or not at all.
type Store interface {
	ReadTail(ctx context.Context) (Tail, error)
	// SubstateStates returns the known state of each identifier, keyed by
	// string(identifier). Unknown identifiers are absent from the map.
	SubstateStates(ctx context.Context, ids [][]byte) (map[string]SubstateState, error)
	CommitOperationGroup(ctx context.Context, group OperationGroup) error
}

// Processor validates operation groups against the ledger tail and hands
// accepted groups to the store. At most one append is in flight at a time.
type Processor struct {
	mu    sync.Mutex
	store Store
	tail  Tail
}

// NewProcessor reads the tail from the store.
func NewProcessor(ctx context.Context, store Store) (*Processor, error) {
	tail, err := store.ReadTail(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	return &Processor{store: store, tail: tail}, nil
}

// Tail returns the last committed group key.
func (p *Processor) Tail() Tail {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tail
}

// AppendOperationGroup validates the group and commits it. A validation error
// leaves the tail unchanged. When the store fails the commit the tail is read
// again, since the group may have landed anyway or another writer may have
// moved the ledger.
func (p *Processor) AppendOperationGroup(ctx context.Context, group OperationGroup) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkOrder(p.tail, group.Key); err != nil {
		return err
	}
	if err := checkShape(group); err != nil {
		return err
	}
	if err := p.checkSubstates(ctx, group); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.CommitOperationGroup(ctx, group); err != nil {
		err = fmt.Errorf("failed to commit operation group %s: %w", group.Key, err)
		if rerr := p.resyncLocked(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}

	p.tail = TailAt(group.Key)
	return nil
}

// Resync replaces the tail with the one in the store and reports whether it
// moved.
func (p *Processor) Resync(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.tail
	if err := p.resyncLocked(ctx); err != nil {
		return false, err
	}
	return p.tail != before, nil
}

func (p *Processor) resyncLocked(ctx context.Context) error {
	tail, err := p.store.ReadTail(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-read ledger tail: %w", err)
	}
	p.tail = tail
	return nil
}

// AppendOperationGroups appends groups in order and stops at the first failure,
// returning how many were committed.
func (p *Processor) AppendOperationGroups(ctx context.Context, groups []OperationGroup) (int, error) {
	for i, g := range groups {
		if err := p.AppendOperationGroup(ctx, g); err != nil {
			return i, err
		}
	}
	return len(groups), nil
}

func checkOrder(tail Tail, key GroupKey) error {
	if tail.Accepts(key) {
		return nil
	}

	current := tail.StateVersion()
	switch {
	case tail.IsEmpty():
		return validationError(ErrOutOfOrder, key, "empty ledger must start at %s", tail.NextVersionKey())
	case key.StateVersion == current:
		last, _ := tail.Key()
		return validationError(ErrOutOfOrder, key, "group index must be %d after tail %s", last.GroupIndex+1, tail)
	case key.StateVersion == current+1:
		return validationError(ErrOutOfOrder, key, "new state version must start at group index 0")
	default:
		return validationError(ErrOutOfOrder, key, "state version does not follow tail %s", tail)
	}
}

func checkShape(group OperationGroup) error {
	for i, op := range group.Operations {
		if op.GroupKey() != group.Key {
			return validationError(ErrMalformedGroup, group.Key, "operation %d belongs to group %s", i, op.GroupKey())
		}
		if op.OperationIndexInGroup != uint32(i) {
			return validationError(ErrMalformedGroup, group.Key, "operation at position %d has in-group index %d", i, op.OperationIndexInGroup)
		}
		if len(op.SubstateIdentifier) == 0 {
			return validationError(ErrMalformedGroup, group.Key, "operation %d has an empty substate identifier", i)
		}
		if op.SubstateOperationType != Up && op.SubstateOperationType != Down {
			return validationError(ErrMalformedGroup, group.Key, "operation %d has %s", i, op.SubstateOperationType)
		}
		if op.AmountDelta.IsNaN() {
			return validationError(ErrMalformedGroup, group.Key, "operation %d has a NaN amount", i)
		}
	}
	return nil
}

func (p *Processor) checkSubstates(ctx context.Context, group OperationGroup) error {
	if len(group.Operations) == 0 {
		return nil
	}

	ids := make([][]byte, 0, len(group.Operations))
	seen := make(map[string]struct{}, len(group.Operations))
	for _, op := range group.Operations {
		if _, ok := seen[string(op.SubstateIdentifier)]; ok {
			continue
		}
		seen[string(op.SubstateIdentifier)] = struct{}{}
		ids = append(ids, op.SubstateIdentifier)
	}

	known, err := p.store.SubstateStates(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to read substates for group %s: %w", group.Key, err)
	}

	// transitions within the group are staged here and only reach the store
	// through CommitOperationGroup
	staged := make(map[string]SubstateState)
	lookup := func(id string) (SubstateState, bool) {
		if s, ok := staged[id]; ok {
			return s, true
		}
		s, ok := known[id]
		return s, ok
	}

	for i, op := range group.Operations {
		id := string(op.SubstateIdentifier)
		current, exists := lookup(id)

		switch op.SubstateOperationType {
		case Up:
			if exists {
				return validationError(ErrInvalidSubstateTransition, group.Key,
					"operation %d brings up substate %s already brought up at %s", i, substateID(op.SubstateIdentifier), current.UpKey)
			}
			staged[id] = SubstateState{Identifier: op.SubstateIdentifier, UpAmount: op.AmountDelta, UpKey: group.Key}

		case Down:
			if !exists {
				return validationError(ErrInvalidSubstateTransition, group.Key,
					"operation %d takes down substate %s that was never brought up", i, substateID(op.SubstateIdentifier))
			}
			if current.IsDown() {
				return validationError(ErrInvalidSubstateTransition, group.Key,
					"operation %d takes down substate %s already taken down at %s", i, substateID(op.SubstateIdentifier), *current.DownKey)
			}
			// an Up amount beyond the storage precision reads back as NaN and
			// cannot be compared
			if !current.UpAmount.IsNaN() && !op.AmountDelta.Equal(current.UpAmount.Neg()) {
				return validationError(ErrInvalidSubstateTransition, group.Key,
					"operation %d takes down substate %s with %s but it was brought up with %s",
					i, substateID(op.SubstateIdentifier), op.AmountDelta, current.UpAmount)
			}
			key := group.Key
			current.DownKey = &key
			staged[id] = current
		}
	}
	return nil
}
