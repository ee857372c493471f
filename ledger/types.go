// Package ledger applies ordered operation groups to the persisted ledger.
//
// Each group is identified by a GroupKey of state version and group index.
// Groups are accepted strictly in key order: the next group either continues
// the tail's state version with the following group index or opens the next
// state version at group index 0. Substates are brought Up once and taken Down
// once, and a Down must return exactly the amount its Up brought in.
package ledger

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/numerics"
)

// FirstStateVersion is the state version of the first group of an empty ledger.
const FirstStateVersion uint64 = 1

// SubstateOperationType is either Up or Down.
type SubstateOperationType uint8

const (
	Up SubstateOperationType = iota + 1
	Down
)

func (t SubstateOperationType) String() string {
	switch t {
	case Up:
		return "UP"
	case Down:
		return "DOWN"
	default:
		return fmt.Sprintf("SubstateOperationType(%d)", uint8(t))
	}
}

// ParseSubstateOperationType accepts "UP"/"DOWN" and the BOOTUP/SHUTDOWN aliases
// some nodes report.
func ParseSubstateOperationType(s string) (SubstateOperationType, error) {
	switch s {
	case "UP", "up", "BOOTUP":
		return Up, nil
	case "DOWN", "down", "SHUTDOWN":
		return Down, nil
	default:
		return 0, fmt.Errorf("unknown substate operation type %q", s)
	}
}

// GroupKey identifies an operation group.
type GroupKey struct {
	StateVersion uint64
	GroupIndex   uint32
}

// Compare orders keys by state version, then group index.
func (k GroupKey) Compare(o GroupKey) int {
	switch {
	case k.StateVersion < o.StateVersion:
		return -1
	case k.StateVersion > o.StateVersion:
		return 1
	case k.GroupIndex < o.GroupIndex:
		return -1
	case k.GroupIndex > o.GroupIndex:
		return 1
	}
	return 0
}

func (k GroupKey) Less(o GroupKey) bool {
	return k.Compare(o) < 0
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%d/%d", k.StateVersion, k.GroupIndex)
}

// BalanceOperation changes the balance held by one substate.
type BalanceOperation struct {
	StateVersion          uint64
	OperationGroupIndex   uint32
	OperationIndexInGroup uint32
	SubstateIdentifier    []byte
	SubstateOperationType SubstateOperationType
	AmountDelta           numerics.TokenAmount
}

// GroupKey returns the key of the group the operation belongs to.
func (op BalanceOperation) GroupKey() GroupKey {
	return GroupKey{StateVersion: op.StateVersion, GroupIndex: op.OperationGroupIndex}
}

// Equal compares every field, treating amounts by value.
func (op BalanceOperation) Equal(o BalanceOperation) bool {
	return op.StateVersion == o.StateVersion &&
		op.OperationGroupIndex == o.OperationGroupIndex &&
		op.OperationIndexInGroup == o.OperationIndexInGroup &&
		bytes.Equal(op.SubstateIdentifier, o.SubstateIdentifier) &&
		op.SubstateOperationType == o.SubstateOperationType &&
		op.AmountDelta.Cmp(o.AmountDelta) == 0
}

// OperationGroup is the unit of atomic application.
type OperationGroup struct {
	Key        GroupKey
	Operations []BalanceOperation
}

// NewOperationGroup builds a group whose operations carry its key and their
// position as in-group index.
func NewOperationGroup(key GroupKey, ops ...BalanceOperation) OperationGroup {
	out := make([]BalanceOperation, len(ops))
	for i, op := range ops {
		op.StateVersion = key.StateVersion
		op.OperationGroupIndex = key.GroupIndex
		op.OperationIndexInGroup = uint32(i)
		out[i] = op
	}
	return OperationGroup{Key: key, Operations: out}
}

// Tail is the last committed group key, or the empty ledger.
type Tail struct {
	key     GroupKey
	present bool
}

// EmptyTail is the tail of a ledger with no committed groups.
func EmptyTail() Tail {
	return Tail{}
}

// TailAt is the tail after the group with the given key was committed.
func TailAt(key GroupKey) Tail {
	return Tail{key: key, present: true}
}

func (t Tail) IsEmpty() bool {
	return !t.present
}

// Key returns the last committed key and false for the empty ledger.
func (t Tail) Key() (GroupKey, bool) {
	return t.key, t.present
}

// StateVersion returns the last committed state version, or
// FirstStateVersion-1 for the empty ledger.
func (t Tail) StateVersion() uint64 {
	if !t.present {
		return FirstStateVersion - 1
	}
	return t.key.StateVersion
}

// NextVersionKey is the key that opens the next state version.
func (t Tail) NextVersionKey() GroupKey {
	return GroupKey{StateVersion: t.StateVersion() + 1}
}

// Accepts reports whether key may be appended directly after the tail.
func (t Tail) Accepts(key GroupKey) bool {
	if key == t.NextVersionKey() {
		return true
	}
	return t.present && key.StateVersion == t.key.StateVersion && key.GroupIndex == t.key.GroupIndex+1
}

func (t Tail) String() string {
	if !t.present {
		return "empty"
	}
	return t.key.String()
}

// SubstateState is what the store knows about one substate.
type SubstateState struct {
	Identifier []byte
	UpAmount   numerics.TokenAmount
	UpKey      GroupKey
	DownKey    *GroupKey
}

func (s SubstateState) IsDown() bool {
	return s.DownKey != nil
}

func substateID(id []byte) string {
	return hex.EncodeToString(id)
}
