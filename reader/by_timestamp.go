package reader

import (
	"context"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/transport"
)

// groupOrderedByTimestamp fans a point lookup out to the path's group
// readers in resolver order. The first group reporting a value wins; a
// timestamp absent everywhere is absent, not an error.
type groupOrderedByTimestamp struct {
	readers []transport.ByTimestampReader
	closed  bool
}

var _ transport.ByTimestampReader = (*groupOrderedByTimestamp)(nil)

func (g *groupOrderedByTimestamp) ValueAt(ctx context.Context, timestamp int64) (core.Value, bool, error) {
	for _, r := range g.readers {
		value, found, err := r.ValueAt(ctx, timestamp)
		if err != nil {
			return core.Value{}, false, err
		}
		if found {
			return value, true, nil
		}
	}
	return core.Value{}, false, nil
}

func (g *groupOrderedByTimestamp) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	var firstErr error
	for _, r := range g.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// absentReader serves a path no partition group owns: every lookup misses.
type absentReader struct{}

var _ transport.ByTimestampReader = absentReader{}

func (absentReader) ValueAt(ctx context.Context, timestamp int64) (core.Value, bool, error) {
	return core.Value{}, false, nil
}

func (absentReader) Close() error { return nil }
