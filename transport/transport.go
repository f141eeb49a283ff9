// Package transport defines how the query layer talks to remote partition
// groups: contracts for ordered batch readers, multi-series readers and
// point-lookup readers, plus a TCP implementation speaking the wire
// protocol. A failed remote request is fatal to the whole query; an empty
// reader is a valid, non-error outcome.
package transport

import (
	"context"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/partition"
	"github.com/INLOpen/nexuscluster/wire"
)

// BatchReader is one partition group's ordered stream of points for one
// series: monotonic in the requested direction, possibly empty, legally
// omitting timestamps outside the group's owned range.
type BatchReader interface {
	// HasNextBatch reports whether another non-empty batch is available.
	HasNextBatch(ctx context.Context) (bool, error)
	// NextBatch returns the next run of points. Calling it when
	// HasNextBatch reported false is an error.
	NextBatch(ctx context.Context) (core.Batch, error)
	Close() error
}

// MultiBatchReader is one group's combined stream for several series,
// tagged by path identity so the fan-out assembler can redistribute it.
type MultiBatchReader interface {
	// Paths lists the requested paths this group actually owns.
	Paths() []core.Path
	HasNextBatch(ctx context.Context, path core.Path) (bool, error)
	NextBatch(ctx context.Context, path core.Path) (core.Batch, error)
	Close() error
}

// ByTimestampReader serves random point lookups for one series. Timestamps
// may arrive in any order; predicate evaluation order is driven by the time
// generator, not by storage order.
type ByTimestampReader interface {
	// ValueAt returns the value at the timestamp, or found=false when the
	// group holds no point there.
	ValueAt(ctx context.Context, timestamp int64) (value core.Value, found bool, err error)
	Close() error
}

// Transport opens readers against one partition group. Implementations must
// classify failures as *core.TransportError (except cancellation, which
// passes through) and must not leak server-side readers on error.
type Transport interface {
	OpenSeriesReader(ctx context.Context, group *partition.Group, req wire.OpenSeriesRequest) (BatchReader, error)
	OpenMultiSeriesReader(ctx context.Context, group *partition.Group, req wire.OpenMultiRequest) (MultiBatchReader, error)
	OpenByTimestampReader(ctx context.Context, group *partition.Group, req wire.OpenByTimestampRequest) (ByTimestampReader, error)
}

// classifyError wraps a remote failure into the query error taxonomy.
// Cancellation passes through untouched so callers can tell an interrupted
// query from a broken cluster.
func classifyError(err error, group *partition.Group, node string) error {
	if err == nil {
		return nil
	}
	if core.IsCancellation(err) {
		return err
	}
	var groupID uint64
	if group != nil {
		groupID = group.ID
	}
	return &core.TransportError{GroupID: groupID, Node: node, Err: err}
}
