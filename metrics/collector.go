package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
)

// Node consistency gauge values.
const (
	ConsistencyUnknown      = -1
	ConsistencyInconsistent = 0
	ConsistencyConsistent   = 1
)

// Collector manages all metrics for the gateway
type Collector struct {
	logger *logging.ComponentLogger

	// Worker loops
	loopIterations        *prometheus.CounterVec
	loopConsecutiveErrors *prometheus.GaugeVec
	loopDelay             *prometheus.HistogramVec
	loopDuration          *prometheus.HistogramVec

	// Ledger
	ledgerStateVersion  prometheus.Gauge
	ledgerGroupIndex    prometheus.Gauge
	committedGroups     prometheus.Counter
	committedOperations prometheus.Counter
	integrityViolations *prometheus.CounterVec
	commitDuration      prometheus.Histogram

	// Nodes and quorum
	nodeTip             *prometheus.GaugeVec
	nodeConsistency     *prometheus.GaugeVec
	nodeFetchErrors     *prometheus.CounterVec
	quorumTrustTotal    prometheus.Gauge
	quorumTrustRequired prometheus.Gauge
	registryNodes       *prometheus.GaugeVec
	registryRefreshes   prometheus.Counter

	// Mempool
	pendingTransactions prometheus.Gauge
	pendingAdded        prometheus.Counter
	pendingDropped      prometheus.Counter

	// Custom registerer
	registry *prometheus.Registry
}

// NewCollector creates a collector whose metric names start with namespace.
// The namespace must be an identifier; anything else is a programming error.
func NewCollector(namespace string, logger *logging.ComponentLogger) *Collector {
	MustBeIdentifier(namespace)
	registry := prometheus.NewRegistry()

	name := func(n string) string { return namespace + "_" + n }

	c := &Collector{
		logger:   logger,
		registry: registry,

		loopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("loop_iterations_total"),
			Help: "Worker loop iterations by outcome",
		}, []string{"loop", "outcome"}),

		loopConsecutiveErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("loop_consecutive_errors"),
			Help: "Consecutive failed iterations of a worker loop",
		}, []string{"loop"}),

		loopDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name("loop_delay_seconds"),
			Help:    "Delay scheduled after a worker loop iteration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"loop"}),

		loopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name("loop_iteration_duration_seconds"),
			Help:    "Time spent in one worker loop iteration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"loop"}),

		ledgerStateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("ledger_state_version"),
			Help: "State version of the last committed operation group",
		}),

		ledgerGroupIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("ledger_group_index"),
			Help: "Group index of the last committed operation group",
		}),

		committedGroups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("ledger_committed_groups_total"),
			Help: "Operation groups committed",
		}),

		committedOperations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("ledger_committed_operations_total"),
			Help: "Balance operations committed",
		}),

		integrityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("ledger_integrity_violations_total"),
			Help: "Operation groups rejected by ledger validation",
		}, []string{"kind"}),

		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name("ledger_commit_duration_seconds"),
			Help:    "Time to validate and commit one operation group",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),

		nodeTip: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("node_tip_state_version"),
			Help: "Latest state version reported by a node",
		}, []string{"node"}),

		nodeConsistency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("node_consistent_with_quorum"),
			Help: "1 if the node agreed with the last committed quorum, 0 if not, -1 if unknown",
		}, []string{"node"}),

		nodeFetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("node_fetch_errors_total"),
			Help: "Failed node requests by error kind",
		}, []string{"node", "kind"}),

		quorumTrustTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("quorum_trust_total"),
			Help: "Trust weight counted towards quorum",
		}),

		quorumTrustRequired: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("quorum_trust_required"),
			Help: "Trust weight a claim needs to be committed",
		}),

		registryNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("registry_nodes"),
			Help: "Nodes in the registry snapshot",
		}, []string{"state"}),

		registryRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("registry_refreshes_total"),
			Help: "Registry refreshes that changed the node set",
		}),

		pendingTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("pending_transactions"),
			Help: "Transactions currently tracked as pending",
		}),

		pendingAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("pending_transactions_added_total"),
			Help: "Transactions that became pending",
		}),

		pendingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("pending_transactions_dropped_total"),
			Help: "Transactions no node reports as pending any more",
		}),
	}

	// Register all metrics
	registry.MustRegister(
		c.loopIterations,
		c.loopConsecutiveErrors,
		c.loopDelay,
		c.loopDuration,
		c.ledgerStateVersion,
		c.ledgerGroupIndex,
		c.committedGroups,
		c.committedOperations,
		c.integrityViolations,
		c.commitDuration,
		c.nodeTip,
		c.nodeConsistency,
		c.nodeFetchErrors,
		c.quorumTrustTotal,
		c.quorumTrustRequired,
		c.registryNodes,
		c.registryRefreshes,
		c.pendingTransactions,
		c.pendingAdded,
		c.pendingDropped,
	)

	// Register Go runtime metrics
	registry.MustRegister(collectors.NewGoCollector())

	logger.Info().
		Str("namespace", namespace).
		Msg("Metrics collector initialized")

	return c
}

// Handler serves the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// LoopObserver returns an observer bound to one worker loop. The loop name
// becomes a label value and must be an identifier.
func (c *Collector) LoopObserver(loop string) *LoopObserver {
	MustBeIdentifier(loop)
	return &LoopObserver{
		collector: c,
		loop:      loop,
		errors:    c.loopConsecutiveErrors.WithLabelValues(loop),
		delay:     c.loopDelay.WithLabelValues(loop),
		duration:  c.loopDuration.WithLabelValues(loop),
	}
}

// LoopObserver records the iterations of one worker loop
type LoopObserver struct {
	collector *Collector
	loop      string
	errors    prometheus.Gauge
	delay     prometheus.Observer
	duration  prometheus.Observer
}

func (o *LoopObserver) ObserveIteration(outcome string, consecutiveErrors uint, elapsed, delay time.Duration) {
	o.collector.loopIterations.WithLabelValues(o.loop, outcome).Inc()
	o.errors.Set(float64(consecutiveErrors))
	o.duration.Observe(elapsed.Seconds())
	o.delay.Observe(delay.Seconds())
}

// RecordCommit records a committed group and moves the watermark gauges
func (c *Collector) RecordCommit(stateVersion uint64, groupIndex uint32, operations int, duration time.Duration) {
	c.committedGroups.Inc()
	c.committedOperations.Add(float64(operations))
	c.commitDuration.Observe(duration.Seconds())
	c.SetWatermark(stateVersion, groupIndex)
}

// SetWatermark sets the watermark gauges, for example after reading the tail at startup
func (c *Collector) SetWatermark(stateVersion uint64, groupIndex uint32) {
	c.ledgerStateVersion.Set(float64(stateVersion))
	c.ledgerGroupIndex.Set(float64(groupIndex))
}

func (c *Collector) RecordIntegrityViolation(kind string) {
	c.integrityViolations.WithLabelValues(kind).Inc()
}

func (c *Collector) SetNodeTip(node string, stateVersion uint64) {
	c.nodeTip.WithLabelValues(node).Set(float64(stateVersion))
}

// SetNodeConsistency takes one of the Consistency constants
func (c *Collector) SetNodeConsistency(node string, value int) {
	c.nodeConsistency.WithLabelValues(node).Set(float64(value))
}

func (c *Collector) RecordNodeFetchError(node, kind string) {
	c.nodeFetchErrors.WithLabelValues(node, kind).Inc()
}

// ForgetNode removes the per-node series of a node that left the registry
func (c *Collector) ForgetNode(node string) {
	c.nodeTip.DeleteLabelValues(node)
	c.nodeConsistency.DeleteLabelValues(node)
	c.nodeFetchErrors.DeletePartialMatch(prometheus.Labels{"node": node})
}

func (c *Collector) SetQuorumTrust(total, required float64) {
	c.quorumTrustTotal.Set(total)
	c.quorumTrustRequired.Set(required)
}

func (c *Collector) SetRegistrySize(total, eligible int) {
	c.registryNodes.WithLabelValues("total").Set(float64(total))
	c.registryNodes.WithLabelValues("eligible").Set(float64(eligible))
}

func (c *Collector) RecordRegistryRefresh() {
	c.registryRefreshes.Inc()
}

// RecordPendingChanges updates the mempool counters and the current size
func (c *Collector) RecordPendingChanges(added, dropped, current int) {
	c.pendingAdded.Add(float64(added))
	c.pendingDropped.Add(float64(dropped))
	c.pendingTransactions.Set(float64(current))
}

// MustBeIdentifier panics unless s is non-empty and made of ASCII letters,
// digits and underscores.
func MustBeIdentifier(s string) {
	if !IsIdentifier(s) {
		panic(fmt.Sprintf("metrics: %q is not an identifier", s))
	}
}

func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}
