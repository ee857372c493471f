// Package quorum decides which node reports become ledger history.
//
// Nodes report their tip and the state versions they have fetched. For each
// state version after the ledger tail, reports are grouped by content and a
// group's trust is the sum of the trust weights of the nodes that sent it.
// The most trusted group is committed once its trust reaches the configured
// proportion of the total trust; ties go to the group backed by the lowest
// node name.
package quorum

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
)

// Config holds the quorum parameters.
type Config struct {
	TrustProportion             float64 `yaml:"trust_proportion"`
	OnlySyncedNodesForQuorum    bool    `yaml:"only_synced_nodes_for_quorum"`
	SufficientlySyncedThreshold uint64  `yaml:"sufficiently_synced_threshold"`
	MaxCommitBatchSize          int     `yaml:"max_commit_batch_size"`
	MaxPipelineSizePerNode      int     `yaml:"max_pipeline_size_per_node"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.TrustProportion == 0 {
		c.TrustProportion = 0.5
	}
	if c.SufficientlySyncedThreshold == 0 {
		c.SufficientlySyncedThreshold = 1000
	}
	if c.MaxCommitBatchSize == 0 {
		c.MaxCommitBatchSize = 1000
	}
	if c.MaxPipelineSizePerNode == 0 {
		c.MaxPipelineSizePerNode = 3000
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.TrustProportion <= 0 || c.TrustProportion > 1 {
		errs = append(errs, fmt.Errorf("trust_proportion must be in (0, 1], got %v", c.TrustProportion))
	}
	if c.MaxCommitBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("max_commit_batch_size must be positive, got %d", c.MaxCommitBatchSize))
	}
	if c.MaxPipelineSizePerNode <= 0 {
		errs = append(errs, fmt.Errorf("max_pipeline_size_per_node must be positive, got %d", c.MaxPipelineSizePerNode))
	}
	return errors.Join(errs...)
}

// Consistency is a node's agreement with the last committed quorum.
type Consistency int

const (
	Unknown Consistency = iota
	Consistent
	Inconsistent
)

func (c Consistency) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c Consistency) String() string {
	switch c {
	case Consistent:
		return "consistent"
	case Inconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// SnapshotSource supplies the current node registry snapshot.
type SnapshotSource interface {
	Snapshot() *nodes.Snapshot
}

type claim struct {
	fingerprint Fingerprint
	version     Version
}

// Confirmation collects node reports and computes the authoritative extension
// of the ledger. It is safe for concurrent use.
type Confirmation struct {
	cfg      Config
	registry SnapshotSource

	mu          sync.Mutex
	tips        map[string]uint64
	reports     map[string]map[uint64]claim
	decided     map[uint64]Fingerprint
	consistency map[string]Consistency
}

// New creates an empty confirmation tracker. cfg should already be validated.
func New(cfg Config, registry SnapshotSource) *Confirmation {
	return &Confirmation{
		cfg:         cfg,
		registry:    registry,
		tips:        make(map[string]uint64),
		reports:     make(map[string]map[uint64]claim),
		decided:     make(map[uint64]Fingerprint),
		consistency: make(map[string]Consistency),
	}
}

// SubmitNodeTip records the latest state version a node reports.
func (c *Confirmation) SubmitNodeTip(node string, tip uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tips[node] = tip
}

// Tip returns the last tip a node reported.
func (c *Confirmation) Tip(node string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tip, ok := c.tips[node]
	return tip, ok
}

// SubmitNodeVersions stores a node's versions. Versions already committed
// before the tail are ignored, as are versions beyond the node's pipeline
// capacity. It returns how many versions were stored.
func (c *Confirmation) SubmitNodeVersions(node string, tail ledger.Tail, versions []Version) (int, error) {
	for _, v := range versions {
		if err := v.validate(); err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.reports[node]
	if held == nil {
		held = make(map[uint64]claim)
		c.reports[node] = held
	}

	floor := firstTrackedVersion(tail)
	accepted := 0
	for _, v := range versions {
		if v.StateVersion < floor {
			continue
		}
		if _, ok := held[v.StateVersion]; !ok && len(held) >= c.cfg.MaxPipelineSizePerNode {
			continue
		}
		held[v.StateVersion] = claim{fingerprint: v.fingerprint(), version: v}
		accepted++
	}
	return accepted, nil
}

// firstTrackedVersion is the lowest state version that may still produce
// groups to commit. The tail's own version is kept because it may have been
// committed only in part.
func firstTrackedVersion(tail ledger.Tail) uint64 {
	if tail.IsEmpty() {
		return ledger.FirstStateVersion
	}
	return tail.StateVersion()
}

// RequestedRange returns the first state version the node has not reported
// yet and how many versions it may still send. ok is false when the node's
// pipeline is full.
func (c *Confirmation) RequestedRange(node string, tail ledger.Tail) (from uint64, limit int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.reports[node]
	from = firstTrackedVersion(tail)
	for {
		if _, ok := held[from]; !ok {
			break
		}
		from++
	}

	limit = c.cfg.MaxPipelineSizePerNode - len(held)
	if limit <= 0 {
		return from, 0, false
	}
	return from, limit, true
}

// PipelineSize returns how many versions are held for a node.
func (c *Confirmation) PipelineSize(node string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports[node])
}

// Extension is the result of a quorum decision.
type Extension struct {
	Groups        []ledger.OperationGroup
	Versions      int
	TotalTrust    decimal.Decimal
	RequiredTrust decimal.Decimal
	// BlockedAt is the first state version that was not decided, with the
	// reason. Zero when the batch limit was reached.
	BlockedAt uint64
	Reason    string
}

// Extension computes the groups that extend the ledger after tail.
func (c *Confirmation) Extension(tail ledger.Tail) Extension {
	snapshot := c.registry.Snapshot()
	eligible := snapshot.EligibleForIndexing()

	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.totalTrustLocked(eligible, tail)
	required := total.Mul(decimal.NewFromFloat(c.cfg.TrustProportion))
	ext := Extension{TotalTrust: total, RequiredTrust: required}

	version := firstTrackedVersion(tail)
	if total.IsZero() || required.IsZero() {
		ext.BlockedAt = version
		ext.Reason = "no trust available for quorum"
		return ext
	}

	startIndex := uint32(0)
	if key, ok := tail.Key(); ok {
		startIndex = key.GroupIndex + 1
	}

	for ext.Versions < c.cfg.MaxCommitBatchSize {
		best, trust, found := c.bestClaimLocked(eligible, version)
		if !found {
			ext.BlockedAt = version
			ext.Reason = "no reports"
			break
		}
		if trust.LessThan(required) {
			ext.BlockedAt = version
			ext.Reason = fmt.Sprintf("best claim %s has trust %s of required %s", best.fingerprint, trust, required)
			break
		}

		for _, g := range best.version.Groups {
			if g.Key.GroupIndex >= startIndex {
				ext.Groups = append(ext.Groups, g)
			}
		}
		c.decided[version] = best.fingerprint
		ext.Versions++
		version++
		startIndex = 0
	}
	return ext
}

// totalTrustLocked sums the weights of the nodes that count towards quorum.
func (c *Confirmation) totalTrustLocked(eligible []nodes.Node, tail ledger.Tail) decimal.Decimal {
	total := decimal.Zero
	for _, n := range eligible {
		if c.cfg.OnlySyncedNodesForQuorum && !c.sufficientlySyncedLocked(n.Name, tail) {
			continue
		}
		total = total.Add(n.TrustWeight)
	}
	return total
}

func (c *Confirmation) sufficientlySyncedLocked(node string, tail ledger.Tail) bool {
	tip, ok := c.tips[node]
	if !ok || tip == 0 {
		return false
	}
	return tip+c.cfg.SufficientlySyncedThreshold > tail.StateVersion()
}

func (c *Confirmation) bestClaimLocked(eligible []nodes.Node, version uint64) (claim, decimal.Decimal, bool) {
	type tally struct {
		claim      claim
		trust      decimal.Decimal
		lowestName string
	}
	tallies := make(map[Fingerprint]*tally)

	for _, n := range eligible {
		r, ok := c.reports[n.Name][version]
		if !ok {
			continue
		}
		t, ok := tallies[r.fingerprint]
		if !ok {
			t = &tally{claim: r, trust: decimal.Zero, lowestName: n.Name}
			tallies[r.fingerprint] = t
		}
		t.trust = t.trust.Add(n.TrustWeight)
		if n.Name < t.lowestName {
			t.lowestName = n.Name
		}
	}

	var best *tally
	for _, t := range tallies {
		if best == nil ||
			t.trust.GreaterThan(best.trust) ||
			(t.trust.Equal(best.trust) && t.lowestName < best.lowestName) {
			best = t
		}
	}
	if best == nil {
		return claim{}, decimal.Zero, false
	}
	return best.claim, best.trust, true
}

// Committed records that the ledger advanced to tail. Node consistency is
// derived from the decided versions and reports that can no longer produce
// groups are released.
func (c *Confirmation) Committed(tail ledger.Tail) {
	c.mu.Lock()
	defer c.mu.Unlock()

	upTo := tail.StateVersion()
	for node, held := range c.reports {
		var (
			latest uint64
			agrees bool
			found  bool
		)
		for version, r := range held {
			decided, ok := c.decided[version]
			if !ok || version > upTo || (found && version < latest) {
				continue
			}
			latest, agrees, found = version, r.fingerprint == decided, true
		}
		if !found {
			continue
		}
		if agrees {
			c.consistency[node] = Consistent
		} else {
			c.consistency[node] = Inconsistent
		}
	}

	floor := firstTrackedVersion(tail)
	for _, held := range c.reports {
		for version := range held {
			if version < floor {
				delete(held, version)
			}
		}
	}
	for version := range c.decided {
		if version < floor || version > upTo {
			delete(c.decided, version)
		}
	}
}

// DiscardFrom drops every report at or above stateVersion so that nodes are
// asked for those versions again.
func (c *Confirmation) DiscardFrom(stateVersion uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, held := range c.reports {
		for version := range held {
			if version >= stateVersion {
				delete(held, version)
			}
		}
	}
	for version := range c.decided {
		if version >= stateVersion {
			delete(c.decided, version)
		}
	}
}

// ForgetNode drops everything known about a node.
func (c *Confirmation) ForgetNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tips, node)
	delete(c.reports, node)
	delete(c.consistency, node)
}

// NodeStatus is the quorum's view of one node.
type NodeStatus struct {
	Node        string      `json:"node"`
	Tip         uint64      `json:"tip"`
	TipKnown    bool        `json:"tip_known"`
	Pipeline    int         `json:"pipeline"`
	Consistency Consistency `json:"consistency"`
}

// Status returns per-node state sorted by node name.
func (c *Confirmation) Status() []NodeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make(map[string]struct{})
	for n := range c.tips {
		names[n] = struct{}{}
	}
	for n := range c.reports {
		names[n] = struct{}{}
	}

	out := make([]NodeStatus, 0, len(names))
	for n := range names {
		tip, known := c.tips[n]
		out = append(out, NodeStatus{
			Node:        n,
			Tip:         tip,
			TipKnown:    known,
			Pipeline:    len(c.reports[n]),
			Consistency: c.consistency[n],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
