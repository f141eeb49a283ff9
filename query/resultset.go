package query

import (
	"context"
	"time"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/reader"
	"github.com/INLOpen/nexuscluster/transport"
)

// Row is one output row: a timestamp and the values of every selected
// path at that timestamp, parallel to the plan's path order. A path with
// no point at the timestamp carries a nil-typed Value.
type Row struct {
	Timestamp int64
	Values    []core.Value
}

// ResultSet iterates a scan's rows in lock-step across the plan's logical
// streams: each row is the next timestamp present in any stream (or
// produced by the time generator), with every stream sitting on that
// timestamp contributing its value. Close releases every underlying
// reader exactly once, also after early termination, and observes the
// scan's latency.
type ResultSet struct {
	paths []core.Path
	order core.SortOrder

	// Unfiltered scans merge per-path streams directly.
	streams []*reader.Merge
	heads   []*core.TimeValuePair
	primed  bool

	// Filtered scans pair generated timestamps with point lookups.
	gen     *TimeGenerator
	lookups []transport.ByTimestampReader

	// Group-level readers the streams project from, released on Close.
	multis []transport.MultiBatchReader

	metrics *Metrics
	start   time.Time
	closed  bool
}

// Paths returns the selected paths in row-value order.
func (rs *ResultSet) Paths() []core.Path { return rs.paths }

// Next returns the next row, or false when the scan is exhausted.
func (rs *ResultSet) Next(ctx context.Context) (Row, bool, error) {
	if rs.gen != nil {
		return rs.nextGenerated(ctx)
	}
	return rs.nextMerged(ctx)
}

func (rs *ResultSet) nextMerged(ctx context.Context) (Row, bool, error) {
	if err := rs.prime(ctx); err != nil {
		return Row{}, false, execErr("scan next", err)
	}

	best, found := int64(0), false
	for _, head := range rs.heads {
		if head == nil {
			continue
		}
		if !found || rs.precedes(head.Timestamp, best) {
			best = head.Timestamp
			found = true
		}
	}
	if !found {
		return Row{}, false, nil
	}

	row := Row{Timestamp: best, Values: make([]core.Value, len(rs.paths))}
	for i, head := range rs.heads {
		if head == nil || head.Timestamp != best {
			continue
		}
		row.Values[i] = head.Value
		if err := rs.pull(ctx, i); err != nil {
			return Row{}, false, execErr("scan next", err)
		}
	}
	return row, true, nil
}

func (rs *ResultSet) nextGenerated(ctx context.Context) (Row, bool, error) {
	ok, err := rs.gen.HasNext(ctx)
	if err != nil {
		return Row{}, false, execErr("scan next", err)
	}
	if !ok {
		return Row{}, false, nil
	}
	ts, err := rs.gen.Next(ctx)
	if err != nil {
		return Row{}, false, execErr("scan next", err)
	}

	row := Row{Timestamp: ts, Values: make([]core.Value, len(rs.paths))}
	for i, lookup := range rs.lookups {
		value, found, err := lookup.ValueAt(ctx, ts)
		if err != nil {
			return Row{}, false, execErr("scan next", err)
		}
		if found {
			row.Values[i] = value
		}
	}
	return row, true, nil
}

func (rs *ResultSet) prime(ctx context.Context) error {
	if rs.primed {
		return nil
	}
	rs.primed = true
	rs.heads = make([]*core.TimeValuePair, len(rs.streams))
	for i := range rs.streams {
		if err := rs.pull(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// pull refreshes stream i's head, nil once exhausted.
func (rs *ResultSet) pull(ctx context.Context, i int) error {
	rs.heads[i] = nil
	ok, err := rs.streams[i].HasNext(ctx)
	if err != nil || !ok {
		return err
	}
	pair, err := rs.streams[i].Next(ctx)
	if err != nil {
		return err
	}
	rs.heads[i] = &pair
	return nil
}

func (rs *ResultSet) precedes(a, b int64) bool {
	if rs.order == core.Descending {
		return a > b
	}
	return a < b
}

// Close releases every underlying reader exactly once and records the
// scan's latency.
func (rs *ResultSet) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range rs.streams {
		keep(s.Close())
	}
	if rs.gen != nil {
		keep(rs.gen.Close())
	}
	for _, l := range rs.lookups {
		keep(l.Close())
	}
	for _, m := range rs.multis {
		keep(m.Close())
	}

	rs.metrics.ObserveScanLatency(time.Since(rs.start))
	return firstErr
}
