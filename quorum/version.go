package quorum

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/withObsrvr/ttp-processor-demo/ledger-aggregation-gateway/ledger"
)

// ErrMalformedReport is returned for node reports that cannot be a valid
// state version.
var ErrMalformedReport = errors.New("malformed node report")

// Version is one node's account of a single state version: the ordered groups
// applied at it.
type Version struct {
	StateVersion uint64
	Groups       []ledger.OperationGroup
}

// Fingerprint identifies the content of a version. Two nodes agree exactly
// when their fingerprints are equal.
type Fingerprint [sha256.Size]byte

func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", f[:8])
}

func (v Version) validate() error {
	if v.StateVersion < ledger.FirstStateVersion {
		return fmt.Errorf("%w: state version %d precedes the first state version", ErrMalformedReport, v.StateVersion)
	}
	if len(v.Groups) == 0 {
		return fmt.Errorf("%w: state version %d has no operation groups", ErrMalformedReport, v.StateVersion)
	}
	for i, g := range v.Groups {
		want := ledger.GroupKey{StateVersion: v.StateVersion, GroupIndex: uint32(i)}
		if g.Key != want {
			return fmt.Errorf("%w: group at position %d of state version %d has key %s", ErrMalformedReport, i, v.StateVersion, g.Key)
		}
	}
	return nil
}

// fingerprint hashes a canonical encoding of every field that is committed.
func (v Version) fingerprint() Fingerprint {
	h := sha256.New()
	var buf [8]byte
	writeUint := func(n uint64) {
		binary.BigEndian.PutUint64(buf[:], n)
		h.Write(buf[:])
	}
	writeBytes := func(b []byte) {
		writeUint(uint64(len(b)))
		h.Write(b)
	}

	writeUint(v.StateVersion)
	writeUint(uint64(len(v.Groups)))
	for _, g := range v.Groups {
		writeUint(uint64(g.Key.GroupIndex))
		writeUint(uint64(len(g.Operations)))
		for _, op := range g.Operations {
			writeUint(op.StateVersion)
			writeUint(uint64(op.OperationGroupIndex))
			writeUint(uint64(op.OperationIndexInGroup))
			writeBytes(op.SubstateIdentifier)
			writeUint(uint64(op.SubstateOperationType))
			writeBytes([]byte(op.AmountDelta.StringFullPrecision()))
		}
	}

	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
