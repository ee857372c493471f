package nodes

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

// Snapshot is an immutable view of the registry at one point in time.
type Snapshot struct {
	nodes    []Node
	byName   map[string]int
	revision uint64
	loadedAt time.Time
}

func newSnapshot(list []Node, revision uint64, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		nodes:    append([]Node(nil), list...),
		byName:   make(map[string]int, len(list)),
		revision: revision,
		loadedAt: loadedAt,
	}
	for i, n := range s.nodes {
		s.byName[n.Name] = i
	}
	return s
}

// Nodes returns all nodes in configuration order.
func (s *Snapshot) Nodes() []Node {
	return append([]Node(nil), s.nodes...)
}

// EligibleForIndexing returns the nodes whose data may be used for the ledger.
func (s *Snapshot) EligibleForIndexing() []Node {
	var out []Node
	for _, n := range s.nodes {
		if n.EnabledForIndexing {
			out = append(out, n)
		}
	}
	return out
}

// Node looks up a node by name.
func (s *Snapshot) Node(name string) (Node, error) {
	i, ok := s.byName[name]
	if !ok {
		return Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return s.nodes[i], nil
}

func (s *Snapshot) TrustWeight(name string) (decimal.Decimal, error) {
	n, err := s.Node(name)
	if err != nil {
		return decimal.Zero, err
	}
	return n.TrustWeight, nil
}

// IsEligible reports whether the named node exists and is enabled for indexing.
func (s *Snapshot) IsEligible(name string) bool {
	n, err := s.Node(name)
	return err == nil && n.EnabledForIndexing
}

func (s *Snapshot) Len() int {
	return len(s.nodes)
}

// Revision increases by one on every accepted refresh.
func (s *Snapshot) Revision() uint64 {
	return s.revision
}

func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Equal reports whether two snapshots describe the same nodes in the same order.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if len(s.nodes) != len(o.nodes) {
		return false
	}
	for i := range s.nodes {
		a, b := s.nodes[i], o.nodes[i]
		if a.Name != b.Name || a.Address != b.Address ||
			a.EnabledForIndexing != b.EnabledForIndexing || !a.TrustWeight.Equal(b.TrustWeight) {
			return false
		}
	}
	return true
}

// Registry holds the current node snapshot. Readers always see either the old
// or the new snapshot in full.
type Registry struct {
	current atomic.Pointer[Snapshot]
	clock   clock.Clock
}

// NewRegistry validates and loads the initial node list.
func NewRegistry(list []Node, clk clock.Clock) (*Registry, error) {
	if clk == nil {
		clk = clock.New()
	}
	if err := Validate(list); err != nil {
		return nil, err
	}
	r := &Registry{clock: clk}
	r.current.Store(newSnapshot(list, 1, clk.Now()))
	return r, nil
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Nodes() []Node {
	return r.Snapshot().Nodes()
}

func (r *Registry) EligibleForIndexing() []Node {
	return r.Snapshot().EligibleForIndexing()
}

func (r *Registry) TrustWeight(name string) (decimal.Decimal, error) {
	return r.Snapshot().TrustWeight(name)
}

// Replace swaps in a new node list. An invalid list leaves the registry unchanged.
// It reports whether the contents changed.
func (r *Registry) Replace(list []Node) (bool, error) {
	if err := Validate(list); err != nil {
		return false, err
	}
	for {
		old := r.current.Load()
		next := newSnapshot(list, old.revision+1, r.clock.Now())
		if old.Equal(next) {
			return false, nil
		}
		if r.current.CompareAndSwap(old, next) {
			return true, nil
		}
	}
}

// Source supplies node lists, for example from configuration or a database table.
type Source interface {
	LoadNodes(ctx context.Context) ([]Node, error)
}

// StaticSource always returns the same list.
type StaticSource []Node

func (s StaticSource) LoadNodes(context.Context) ([]Node, error) {
	return append([]Node(nil), s...), nil
}

// Refresh loads a list from the source and replaces the snapshot with it.
func (r *Registry) Refresh(ctx context.Context, src Source) (bool, error) {
	list, err := src.LoadNodes(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load nodes: %w", err)
	}
	return r.Replace(list)
}
