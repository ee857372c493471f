// Package storage persists the ledger, pending transactions and the node table.
package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/logging"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/nodes"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/numerics"
)

//go:embed schema.sql
var schemaTemplate string

// commitLockKey serializes ledger writers across gateway processes.
const commitLockKey int64 = 0x6c6467727761790

const uniqueViolation = "23505"

// PostgresStore implements the ledger store on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	codec  numerics.StorageCodec
	clock  clock.Clock
	logger *logging.ComponentLogger
}

// PostgresOptions configures NewPostgresStore.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
	Codec    numerics.StorageCodec
	// Clock stamps committed_at. Defaults to the wall clock.
	Clock clock.Clock
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, opts PostgresOptions, logger *logging.ComponentLogger) (*PostgresStore, error) {
	if opts.Codec.Precision == 0 {
		opts.Codec = numerics.DefaultStorageCodec
	}
	if err := opts.Codec.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	pgConfig, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		pgConfig.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info().
		Str("host", pgConfig.ConnConfig.Host).
		Str("database", pgConfig.ConnConfig.Database).
		Int32("max_conns", pgConfig.MaxConns).
		Msg("Connected to PostgreSQL")

	return &PostgresStore{pool: pool, codec: opts.Codec, clock: opts.Clock, logger: logger}, nil
}

// Schema renders the DDL for the configured numeric precision.
func Schema(codec numerics.StorageCodec) string {
	return strings.NewReplacer(
		"{{precision}}", strconv.Itoa(codec.Precision),
		"{{scale}}", strconv.Itoa(numerics.Decimals),
	).Replace(schemaTemplate)
}

// EnsureSchema creates missing tables. Existing tables are not altered.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema(s.codec)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ReadTail(ctx context.Context) (ledger.Tail, error) {
	return readTail(ctx, s.pool)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readTail(ctx context.Context, q querier) (ledger.Tail, error) {
	var stateVersion, groupIndex int64
	err := q.QueryRow(ctx, `
		SELECT state_version, group_index
		FROM ledger_operation_groups
		ORDER BY state_version DESC, group_index DESC
		LIMIT 1`).Scan(&stateVersion, &groupIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.EmptyTail(), nil
	}
	if err != nil {
		return ledger.Tail{}, fmt.Errorf("failed to read ledger tail: %w", err)
	}
	return ledger.TailAt(ledger.GroupKey{StateVersion: uint64(stateVersion), GroupIndex: uint32(groupIndex)}), nil
}

func (s *PostgresStore) SubstateStates(ctx context.Context, ids [][]byte) (map[string]ledger.SubstateState, error) {
	out := make(map[string]ledger.SubstateState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT substate_identifier, up_amount, up_state_version, up_group_index,
		       down_state_version, down_group_index
		FROM ledger_substates
		WHERE substate_identifier = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query substates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                     []byte
			amount                 pgtype.Numeric
			upVersion, upIndex     int64
			downVersion, downIndex pgtype.Int8
		)
		if err := rows.Scan(&id, &amount, &upVersion, &upIndex, &downVersion, &downIndex); err != nil {
			return nil, fmt.Errorf("failed to scan substate: %w", err)
		}
		state := ledger.SubstateState{
			Identifier: id,
			UpAmount:   numerics.FromNumeric(amount),
			UpKey:      ledger.GroupKey{StateVersion: uint64(upVersion), GroupIndex: uint32(upIndex)},
		}
		if downVersion.Valid {
			state.DownKey = &ledger.GroupKey{StateVersion: uint64(downVersion.Int64), GroupIndex: uint32(downIndex.Int64)}
		}
		out[string(id)] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read substates: %w", err)
	}
	return out, nil
}

// CommitOperationGroup writes the group, its operations and the substate
// transitions in one transaction. The stored tail is re-checked under an
// advisory lock so a second writer cannot interleave.
func (s *PostgresStore) CommitOperationGroup(ctx context.Context, group ledger.OperationGroup) error {
	if err := checkStorable(group); err != nil {
		return err
	}
	commitID := uuid.New()
	startTime := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, commitLockKey); err != nil {
		return fmt.Errorf("failed to take commit lock: %w", err)
	}

	tail, err := readTail(ctx, tx)
	if err != nil {
		return err
	}
	if !tail.Accepts(group.Key) {
		return fmt.Errorf("%w: group %s does not follow stored tail %s", ledger.ErrOutOfOrder, group.Key, tail)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_operation_groups (state_version, group_index, operation_count, commit_id, committed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		int64(group.Key.StateVersion), int64(group.Key.GroupIndex), len(group.Operations), commitID, startTime.UTC(),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: group %s already exists", ledger.ErrOutOfOrder, group.Key)
		}
		return fmt.Errorf("failed to insert operation group: %w", err)
	}

	if len(group.Operations) > 0 {
		rows := make([][]any, len(group.Operations))
		for i, op := range group.Operations {
			rows[i] = []any{
				int64(op.StateVersion), int64(op.OperationGroupIndex), int64(op.OperationIndexInGroup),
				op.SubstateIdentifier, int16(op.SubstateOperationType), s.codec.Numeric(op.AmountDelta),
			}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"ledger_balance_operations"},
			[]string{"state_version", "group_index", "operation_index", "substate_identifier", "operation_type", "amount_delta"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("failed to copy balance operations: %w", err)
		}
	}

	for _, op := range group.Operations {
		if err := s.applySubstate(ctx, tx, group.Key, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug().
		Str("commit_id", commitID.String()).
		Uint64("state_version", group.Key.StateVersion).
		Uint32("group_index", group.Key.GroupIndex).
		Int("operations", len(group.Operations)).
		Dur("duration", s.clock.Since(startTime)).
		Msg("Committed operation group")
	return nil
}

func (s *PostgresStore) applySubstate(ctx context.Context, tx pgx.Tx, key ledger.GroupKey, op ledger.BalanceOperation) error {
	switch op.SubstateOperationType {
	case ledger.Up:
		_, err := tx.Exec(ctx, `
			INSERT INTO ledger_substates (substate_identifier, up_amount, up_state_version, up_group_index)
			VALUES ($1, $2, $3, $4)`,
			op.SubstateIdentifier, s.codec.Numeric(op.AmountDelta), int64(key.StateVersion), int64(key.GroupIndex))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: substate %x already exists", ledger.ErrInvalidSubstateTransition, op.SubstateIdentifier)
		}
		if err != nil {
			return fmt.Errorf("failed to insert substate: %w", err)
		}
	case ledger.Down:
		tag, err := tx.Exec(ctx, `
			UPDATE ledger_substates
			SET down_state_version = $2, down_group_index = $3
			WHERE substate_identifier = $1 AND down_state_version IS NULL`,
			op.SubstateIdentifier, int64(key.StateVersion), int64(key.GroupIndex))
		if err != nil {
			return fmt.Errorf("failed to mark substate down: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: substate %x is not up", ledger.ErrInvalidSubstateTransition, op.SubstateIdentifier)
		}
	default:
		return fmt.Errorf("%w: unknown operation type %s", ledger.ErrMalformedGroup, op.SubstateOperationType)
	}
	return nil
}

// checkStorable rejects state versions the BIGINT key columns cannot hold.
func checkStorable(group ledger.OperationGroup) error {
	if group.Key.StateVersion > math.MaxInt64 {
		return fmt.Errorf("%w: state version %d exceeds the storable maximum %d",
			ledger.ErrMalformedGroup, group.Key.StateVersion, int64(math.MaxInt64))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// SavePendingChanges upserts newly pending pairs and closes dropped ones.
func (s *PostgresStore) SavePendingChanges(ctx context.Context, added, dropped []mempool.PendingTransactionHashPair, at time.Time) error {
	if len(added) == 0 && len(dropped) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range added {
		batch.Queue(`
			INSERT INTO pending_transactions (payload_hash, intent_hash, first_seen_at, last_seen_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (payload_hash, intent_hash)
			DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, dropped_at = NULL`,
			p.PayloadHash(), p.IntentHash(), at.UTC())
	}
	for _, p := range dropped {
		batch.Queue(`
			UPDATE pending_transactions SET dropped_at = $3
			WHERE payload_hash = $1 AND intent_hash = $2 AND dropped_at IS NULL`,
			p.PayloadHash(), p.IntentHash(), at.UTC())
	}

	results := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to save pending transaction changes: %w", err)
		}
	}
	return results.Close()
}

// ResetPending closes every open pending record. It runs at startup since the
// tracker starts empty and rebuilds from node reports.
func (s *PostgresStore) ResetPending(ctx context.Context, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE pending_transactions SET dropped_at = $1 WHERE dropped_at IS NULL`, at.UTC()); err != nil {
		return fmt.Errorf("failed to reset pending transactions: %w", err)
	}
	return nil
}

// LoadNodes reads the ledger_nodes table in position order.
func (s *PostgresStore) LoadNodes(ctx context.Context) ([]nodes.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, address, trust_weight::text, enabled_for_indexing
		FROM ledger_nodes
		ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger nodes: %w", err)
	}
	defer rows.Close()

	var out []nodes.Node
	for rows.Next() {
		var (
			n      nodes.Node
			weight string
		)
		if err := rows.Scan(&n.Name, &n.Address, &weight, &n.EnabledForIndexing); err != nil {
			return nil, fmt.Errorf("failed to scan ledger node: %w", err)
		}
		n.TrustWeight, err = decimal.NewFromString(weight)
		if err != nil {
			return nil, fmt.Errorf("node %q has unreadable trust weight %q: %w", n.Name, weight, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger nodes: %w", err)
	}
	return out, nil
}

// ReplaceNodes overwrites the ledger_nodes table with the given list.
func (s *PostgresStore) ReplaceNodes(ctx context.Context, list []nodes.Node) error {
	if err := nodes.Validate(list); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ledger_nodes`); err != nil {
		return fmt.Errorf("failed to clear ledger nodes: %w", err)
	}
	for i, n := range list {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_nodes (name, address, trust_weight, enabled_for_indexing, position)
			VALUES ($1, $2, $3::numeric, $4, $5)`,
			n.Name, n.Address, n.TrustWeight.String(), n.EnabledForIndexing, i); err != nil {
			return fmt.Errorf("failed to insert ledger node %q: %w", n.Name, err)
		}
	}
	return tx.Commit(ctx)
}
