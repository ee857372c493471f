package nodeclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed node call.
type Kind int

const (
	// KindNetwork covers transport failures: refused connections, timeouts,
	// truncated bodies.
	KindNetwork Kind = iota + 1
	// KindNodeReported is an error the node answered with.
	KindNodeReported
	// KindMalformedResponse is a response that could not be decoded.
	KindMalformedResponse
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNodeReported:
		return "node_reported"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Codes a node may report.
const (
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "unavailable"
	CodeSubstateNotFound = "substate_not_found"
	CodeStateVersionGone = "state_version_pruned"
	CodeInvalidRequest   = "invalid_request"
	CodeInternal         = "internal"
)

// Error is returned by every Client method.
type Error struct {
	Kind Kind
	// Code is the node's error code. Only set for KindNodeReported.
	Code string
	Node string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("node %s: %s (%s): %v", e.Node, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("node %s: %s: %v", e.Node, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindNodeReported:
		return e.Code == CodeRateLimited || e.Code == CodeUnavailable
	default:
		return false
	}
}

// KindOf returns the kind of a client error, or 0 when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
