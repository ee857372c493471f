package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/metrics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/quorum"
)

// commitExtension commits whatever the quorum agrees on after the tail.
func (g *Gateway) commitExtension(ctx context.Context) error {
	tail := g.processor.Tail()
	ext := g.quorum.Extension(tail)
	g.metrics.SetQuorumTrust(ext.TotalTrust.InexactFloat64(), ext.RequiredTrust.InexactFloat64())

	if len(ext.Groups) == 0 {
		if ext.BlockedAt != 0 {
			g.logger.Debug().
				Uint64("state_version", ext.BlockedAt).
				Str("reason", ext.Reason).
				Msg("No quorum extension")
		}
		// a fully committed tail version still counts as decided
		g.committed()
		return nil
	}

	for _, group := range ext.Groups {
		start := g.clock.Now()
		err := g.processor.AppendOperationGroup(ctx, group)
		if err != nil {
			if ledger.IsIntegrityViolation(err) {
				g.logger.LogIntegrityViolation(group.Key.StateVersion, group.Key.GroupIndex, err)
				g.metrics.RecordIntegrityViolation(violationKind(err))
				g.quorum.DiscardFrom(group.Key.StateVersion)
				// another writer may have moved the stored ledger
				g.resync(ctx)
			}
			g.publishTail()
			g.committed()
			return fmt.Errorf("failed to append operation group %s: %w", group.Key, err)
		}

		elapsed := g.clock.Since(start)
		g.metrics.RecordCommit(group.Key.StateVersion, group.Key.GroupIndex, len(group.Operations), elapsed)
		g.logger.LogCommit(group.Key.StateVersion, group.Key.GroupIndex, len(group.Operations), elapsed)
	}

	g.committed()
	return nil
}

func (g *Gateway) resync(ctx context.Context) {
	moved, err := g.processor.Resync(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to re-read ledger tail")
		return
	}
	if moved {
		g.logger.Warn().Str("tail", g.processor.Tail().String()).Msg("Ledger tail moved outside this process")
	}
}

// publishTail sets the watermark gauges from the processor tail.
func (g *Gateway) publishTail() {
	if key, ok := g.processor.Tail().Key(); ok {
		g.metrics.SetWatermark(key.StateVersion, key.GroupIndex)
	}
}

// committed tells the quorum where the ledger is and publishes node
// consistency.
func (g *Gateway) committed() {
	g.quorum.Committed(g.processor.Tail())
	for _, ns := range g.quorum.Status() {
		g.metrics.SetNodeConsistency(ns.Node, consistencyGauge(ns.Consistency))
	}
}

func consistencyGauge(c quorum.Consistency) int {
	switch c {
	case quorum.Consistent:
		return metrics.ConsistencyConsistent
	case quorum.Inconsistent:
		return metrics.ConsistencyInconsistent
	default:
		return metrics.ConsistencyUnknown
	}
}

func violationKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ledger.ErrMalformedGroup):
		return "malformed_group"
	case errors.Is(err, ledger.ErrInvalidSubstateTransition):
		return "invalid_substate_transition"
	default:
		return "unknown"
	}
}
