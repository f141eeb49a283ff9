package reader

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/partition"
	"github.com/INLOpen/nexuscluster/transport"
	"github.com/INLOpen/nexuscluster/wire"
)

// fixtureReader is a BatchReader over fixed points, split into batches of
// batchSize, with optional error injection and close accounting.
type fixtureReader struct {
	points    core.Batch
	batchSize int
	pos       int
	fetchErr  error

	closeCount *atomic.Int64
	closed     bool
}

var _ transport.BatchReader = (*fixtureReader)(nil)

func newFixtureReader(points core.Batch, batchSize int) *fixtureReader {
	if batchSize <= 0 {
		batchSize = 2
	}
	return &fixtureReader{points: points, batchSize: batchSize}
}

func (r *fixtureReader) HasNextBatch(ctx context.Context) (bool, error) {
	if r.fetchErr != nil {
		return false, r.fetchErr
	}
	return r.pos < len(r.points), nil
}

func (r *fixtureReader) NextBatch(ctx context.Context) (core.Batch, error) {
	ok, err := r.HasNextBatch(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transport.ErrExhausted
	}
	end := r.pos + r.batchSize
	if end > len(r.points) {
		end = len(r.points)
	}
	batch := r.points[r.pos:end]
	r.pos = end
	return batch, nil
}

func (r *fixtureReader) Close() error {
	if !r.closed {
		r.closed = true
		if r.closeCount != nil {
			r.closeCount.Add(1)
		}
	}
	return nil
}

// fixtureMultiReader is a MultiBatchReader over per-path fixed points.
type fixtureMultiReader struct {
	data      map[core.Path]core.Batch
	paths     []core.Path
	batchSize int
	pos       map[core.Path]int

	closeCount *atomic.Int64
	closed     bool
}

var _ transport.MultiBatchReader = (*fixtureMultiReader)(nil)

func newFixtureMultiReader(paths []core.Path, data map[core.Path]core.Batch, batchSize int) *fixtureMultiReader {
	if batchSize <= 0 {
		batchSize = 2
	}
	return &fixtureMultiReader{
		data:      data,
		paths:     paths,
		batchSize: batchSize,
		pos:       make(map[core.Path]int),
	}
}

func (r *fixtureMultiReader) Paths() []core.Path { return r.paths }

func (r *fixtureMultiReader) HasNextBatch(ctx context.Context, path core.Path) (bool, error) {
	return r.pos[path] < len(r.data[path]), nil
}

func (r *fixtureMultiReader) NextBatch(ctx context.Context, path core.Path) (core.Batch, error) {
	ok, err := r.HasNextBatch(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transport.ErrExhausted
	}
	points := r.data[path]
	start := r.pos[path]
	end := start + r.batchSize
	if end > len(points) {
		end = len(points)
	}
	r.pos[path] = end
	return points[start:end], nil
}

func (r *fixtureMultiReader) Close() error {
	if !r.closed {
		r.closed = true
		if r.closeCount != nil {
			r.closeCount.Add(1)
		}
	}
	return nil
}

// fixtureByTimestamp is a ByTimestampReader over fixed points.
type fixtureByTimestamp struct {
	values     map[int64]core.Value
	closeCount *atomic.Int64
	closed     bool
}

var _ transport.ByTimestampReader = (*fixtureByTimestamp)(nil)

func (r *fixtureByTimestamp) ValueAt(ctx context.Context, timestamp int64) (core.Value, bool, error) {
	v, ok := r.values[timestamp]
	return v, ok, nil
}

func (r *fixtureByTimestamp) Close() error {
	if !r.closed {
		r.closed = true
		if r.closeCount != nil {
			r.closeCount.Add(1)
		}
	}
	return nil
}

// mockTransport serves readers from per-group fixture data and counts
// every acquire and release, so tests can assert that a failed or
// cancelled acquisition leaks nothing.
type mockTransport struct {
	mu   sync.Mutex
	data map[uint64]map[core.Path]core.Batch
	// failGroups makes opens against these groups fail.
	failGroups map[uint64]error

	openCalls      atomic.Int64
	multiOpenCalls atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
}

var _ transport.Transport = (*mockTransport)(nil)

func newMockTransport(data map[uint64]map[core.Path]core.Batch) *mockTransport {
	return &mockTransport{data: data, failGroups: make(map[uint64]error)}
}

func (m *mockTransport) groupSeries(groupID uint64, path core.Path, filter *core.TimeRange, ascending bool) core.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out core.Batch
	for _, pair := range m.data[groupID][path] {
		if filter != nil && !filter.Contains(pair.Timestamp) {
			continue
		}
		out = append(out, pair)
	}
	if !ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func (m *mockTransport) OpenSeriesReader(ctx context.Context, group *partition.Group, req wire.OpenSeriesRequest) (transport.BatchReader, error) {
	m.openCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.failGroups[group.ID]; err != nil {
		return nil, err
	}
	m.acquired.Add(1)
	r := newFixtureReader(m.groupSeries(group.ID, req.Path, req.TimeFilter, req.Ascending), int(req.BatchSize))
	r.closeCount = &m.released
	return r, nil
}

func (m *mockTransport) OpenMultiSeriesReader(ctx context.Context, group *partition.Group, req wire.OpenMultiRequest) (transport.MultiBatchReader, error) {
	m.multiOpenCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.failGroups[group.ID]; err != nil {
		return nil, err
	}
	m.acquired.Add(1)

	data := make(map[core.Path]core.Batch)
	var owned []core.Path
	for _, path := range req.Paths {
		m.mu.Lock()
		_, ok := m.data[group.ID][path]
		m.mu.Unlock()
		if !ok {
			continue
		}
		owned = append(owned, path)
		data[path] = m.groupSeries(group.ID, path, req.TimeFilter, req.Ascending)
	}
	r := newFixtureMultiReader(owned, data, int(req.BatchSize))
	r.closeCount = &m.released
	return r, nil
}

func (m *mockTransport) OpenByTimestampReader(ctx context.Context, group *partition.Group, req wire.OpenByTimestampRequest) (transport.ByTimestampReader, error) {
	m.openCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.failGroups[group.ID]; err != nil {
		return nil, err
	}
	m.acquired.Add(1)

	values := make(map[int64]core.Value)
	for _, pair := range m.groupSeries(group.ID, req.Path, nil, true) {
		values[pair.Timestamp] = pair.Value
	}
	r := &fixtureByTimestamp{values: values}
	r.closeCount = &m.released
	return r, nil
}

// allGroupsTable builds a resolver where every listed group owns the
// whole slot space, in the given order.
func allGroupsTable(groups ...*partition.Group) partition.Resolver {
	assignments := make([]partition.Assignment, len(groups))
	for i, g := range groups {
		assignments[i] = partition.Assignment{Group: g, Slots: partition.SlotRange(0, 16)}
	}
	table, err := partition.NewTable(16, assignments)
	if err != nil {
		panic(err)
	}
	return table
}

func mkGroup(id uint64) *partition.Group {
	return &partition.Group{ID: id, Nodes: []partition.Node{{ID: id * 100, Address: "127.0.0.1:0"}}}
}

func fpair(ts int64, v float64) core.TimeValuePair {
	return core.TimeValuePair{Timestamp: ts, Value: core.NewFloatValue(v)}
}
