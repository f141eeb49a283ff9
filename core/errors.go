package core

import (
	"context"
	"errors"
	"fmt"
)

// ConsistencyError reports that the local partition/metadata view could not
// be confirmed as fresh as the cluster leader's. It is always fatal to the
// current query attempt; callers may retry the whole query.
type ConsistencyError struct {
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("consistency check failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("consistency check failed: %s", e.Reason)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// TransportError reports a failed remote request to a partition group. It is
// fatal to the current query even when other groups succeeded: a
// successful-looking but incomplete merge would be a correctness violation.
type TransportError struct {
	GroupID uint64
	Node    string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote request to group %d (node %s) failed: %v", e.GroupID, e.Node, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// QueryExecutionError is the single error type surfaced at the coordinator
// boundary. Exactly one is produced per failed query attempt, wrapping the
// first cause.
type QueryExecutionError struct {
	Op  string
	Err error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed during %s: %v", e.Op, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// IsConsistencyError checks if an error is (or wraps) a ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// IsTransportError checks if an error is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsCancellation reports whether err stems from context cancellation or
// expiry. Cancellation is surfaced as its own condition, distinct from
// transport failure, and must never be swallowed.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable reports whether the caller may retry the whole query:
// consistency failures and cancellations are retryable, transport failures
// are as well once the cluster recovers.
func IsRetryable(err error) bool {
	return IsConsistencyError(err) || IsCancellation(err) || IsTransportError(err)
}
