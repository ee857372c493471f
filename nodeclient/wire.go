package nodeclient

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/mempool"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/numerics"
	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/quorum"
)

// JSON bodies served by ledger nodes. Byte fields are hex, amounts are
// base-10 sub-unit integers.

type operationsResponse struct {
	TipStateVersion uint64        `json:"tip_state_version"`
	Versions        []wireVersion `json:"versions"`
}

type wireVersion struct {
	StateVersion uint64      `json:"state_version"`
	Groups       []wireGroup `json:"groups"`
}

type wireGroup struct {
	GroupIndex uint32          `json:"group_index"`
	Operations []wireOperation `json:"operations"`
}

type wireOperation struct {
	OperationIndexInGroup uint32 `json:"operation_index_in_group"`
	SubstateIdentifier    string `json:"substate_identifier"`
	OperationType         string `json:"operation_type"`
	AmountDelta           string `json:"amount_delta"`
}

type mempoolResponse struct {
	Transactions []wireHashPair `json:"transactions"`
}

type wireHashPair struct {
	PayloadHash string `json:"payload_hash"`
	IntentHash  string `json:"intent_hash"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decode converts the page. Versions must start at since and be consecutive;
// content checks beyond that belong to the quorum and the ledger, so group and
// operation indexes are kept as the node reported them.
func (r operationsResponse) decode(since uint64) ([]quorum.Version, error) {
	out := make([]quorum.Version, 0, len(r.Versions))
	for i, wv := range r.Versions {
		if want := since + uint64(i); wv.StateVersion != want {
			return nil, fmt.Errorf("version at position %d is %d, expected %d", i, wv.StateVersion, want)
		}
		if wv.StateVersion > r.TipStateVersion {
			return nil, fmt.Errorf("version %d is beyond reported tip %d", wv.StateVersion, r.TipStateVersion)
		}

		v := quorum.Version{StateVersion: wv.StateVersion, Groups: make([]ledger.OperationGroup, 0, len(wv.Groups))}
		for _, wg := range wv.Groups {
			key := ledger.GroupKey{StateVersion: wv.StateVersion, GroupIndex: wg.GroupIndex}
			ops := make([]ledger.BalanceOperation, 0, len(wg.Operations))
			for j, wo := range wg.Operations {
				op, err := wo.decode(key)
				if err != nil {
					return nil, fmt.Errorf("operation %d of group %s: %w", j, key, err)
				}
				ops = append(ops, op)
			}
			v.Groups = append(v.Groups, ledger.OperationGroup{Key: key, Operations: ops})
		}
		out = append(out, v)
	}
	return out, nil
}

func (o wireOperation) decode(key ledger.GroupKey) (ledger.BalanceOperation, error) {
	id, err := hex.DecodeString(o.SubstateIdentifier)
	if err != nil {
		return ledger.BalanceOperation{}, fmt.Errorf("substate identifier: %w", err)
	}
	if len(id) == 0 {
		return ledger.BalanceOperation{}, errors.New("empty substate identifier")
	}
	typ, err := ledger.ParseSubstateOperationType(o.OperationType)
	if err != nil {
		return ledger.BalanceOperation{}, err
	}
	amount := numerics.FromSubUnitsString(o.AmountDelta)
	if amount.IsNaN() {
		return ledger.BalanceOperation{}, fmt.Errorf("amount delta %q is not an integer", o.AmountDelta)
	}
	return ledger.BalanceOperation{
		StateVersion:          key.StateVersion,
		OperationGroupIndex:   key.GroupIndex,
		OperationIndexInGroup: o.OperationIndexInGroup,
		SubstateIdentifier:    id,
		SubstateOperationType: typ,
		AmountDelta:           amount,
	}, nil
}

func (r mempoolResponse) decode() (mempool.Set, error) {
	pairs := make([]mempool.PendingTransactionHashPair, 0, len(r.Transactions))
	for i, t := range r.Transactions {
		p, err := mempool.ParseHashPair(t.PayloadHash, t.IntentHash)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		pairs = append(pairs, p)
	}
	return mempool.NewSet(pairs...), nil
}
