package mempool

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// PendingTransactionHashPair identifies a pending transaction by its payload and
// intent hashes. Equality is by byte content, so the value is safe as a map key
// regardless of which slices it was built from.
type PendingTransactionHashPair struct {
	payloadHash string
	intentHash  string
}

// NewHashPair copies both hashes into a new identity.
func NewHashPair(payloadHash, intentHash []byte) PendingTransactionHashPair {
	return PendingTransactionHashPair{
		payloadHash: string(payloadHash),
		intentHash:  string(intentHash),
	}
}

// ParseHashPair decodes hex encoded hashes.
func ParseHashPair(payloadHex, intentHex string) (PendingTransactionHashPair, error) {
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return PendingTransactionHashPair{}, fmt.Errorf("invalid payload hash: %w", err)
	}
	intent, err := hex.DecodeString(intentHex)
	if err != nil {
		return PendingTransactionHashPair{}, fmt.Errorf("invalid intent hash: %w", err)
	}
	return NewHashPair(payload, intent), nil
}

func (p PendingTransactionHashPair) PayloadHash() []byte {
	return []byte(p.payloadHash)
}

func (p PendingTransactionHashPair) IntentHash() []byte {
	return []byte(p.intentHash)
}

// String renders "payload/intent" in hex.
func (p PendingTransactionHashPair) String() string {
	return hex.EncodeToString([]byte(p.payloadHash)) + "/" + hex.EncodeToString([]byte(p.intentHash))
}

func (p PendingTransactionHashPair) less(o PendingTransactionHashPair) bool {
	if p.payloadHash != o.payloadHash {
		return p.payloadHash < o.payloadHash
	}
	return p.intentHash < o.intentHash
}

// Set is a set of pending transaction identities.
type Set map[PendingTransactionHashPair]struct{}

// NewSet builds a set, collapsing duplicates.
func NewSet(pairs ...PendingTransactionHashPair) Set {
	s := make(Set, len(pairs))
	for _, p := range pairs {
		s[p] = struct{}{}
	}
	return s
}

func (s Set) Contains(p PendingTransactionHashPair) bool {
	_, ok := s[p]
	return ok
}

func (s Set) Len() int {
	return len(s)
}

// Sorted returns the members ordered by payload hash then intent hash.
func (s Set) Sorted() []PendingTransactionHashPair {
	out := make([]PendingTransactionHashPair, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

func sortPairs(pairs []PendingTransactionHashPair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].less(pairs[j]) })
}
