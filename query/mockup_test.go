package query

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexuscluster/consistency"
	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/partition"
	"github.com/INLOpen/nexuscluster/reader"
	"github.com/INLOpen/nexuscluster/transport"
	"github.com/INLOpen/nexuscluster/wire"
)

// stubLeader is a LeaderClient returning fixed read-index results, with
// call accounting.
type stubLeader struct {
	term  uint64
	index uint64
	err   error
	calls atomic.Int64
}

var _ consistency.LeaderClient = (*stubLeader)(nil)

func (s *stubLeader) ReadIndex(ctx context.Context) (uint64, uint64, error) {
	s.calls.Add(1)
	if s.err != nil {
		return 0, 0, s.err
	}
	return s.term, s.index, nil
}

// stubLocal is a LocalView already caught up to the given progress.
type stubLocal struct {
	applied uint64
	term    uint64
}

var _ consistency.LocalView = (*stubLocal)(nil)

func (s *stubLocal) AppliedIndex() uint64  { return s.applied }
func (s *stubLocal) ObservedTerm() uint64  { return s.term }
func (s *stubLocal) WaitApplied(ctx context.Context, index uint64) error {
	if s.applied >= index {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// mockTransport serves readers from per-group fixture data and counts
// acquires and releases.
type mockTransport struct {
	mu         sync.Mutex
	data       map[uint64]map[core.Path]core.Batch
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

// fixtureReader pages through fixed points.
type fixtureReader struct {
	points    core.Batch
	batchSize int
	pos       int
	released  *atomic.Int64
	closed    bool
}

var _ transport.BatchReader = (*fixtureReader)(nil)

func (r *fixtureReader) HasNextBatch(ctx context.Context) (bool, error) {
	return r.pos < len(r.points), nil
}

func (r *fixtureReader) NextBatch(ctx context.Context) (core.Batch, error) {
	if r.pos >= len(r.points) {
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
		r.released.Add(1)
	}
	return nil
}

type fixtureMultiReader struct {
	data     map[core.Path]core.Batch
	paths    []core.Path
	pos      map[core.Path]int
	released *atomic.Int64
	closed   bool
}

var _ transport.MultiBatchReader = (*fixtureMultiReader)(nil)

func (r *fixtureMultiReader) Paths() []core.Path { return r.paths }

func (r *fixtureMultiReader) HasNextBatch(ctx context.Context, path core.Path) (bool, error) {
	return r.pos[path] < len(r.data[path]), nil
}

func (r *fixtureMultiReader) NextBatch(ctx context.Context, path core.Path) (core.Batch, error) {
	points := r.data[path]
	if r.pos[path] >= len(points) {
		return nil, transport.ErrExhausted
	}
	start := r.pos[path]
	end := start + 2
	if end > len(points) {
		end = len(points)
	}
	r.pos[path] = end
	return points[start:end], nil
}

func (r *fixtureMultiReader) Close() error {
	if !r.closed {
		r.closed = true
		r.released.Add(1)
	}
	return nil
}

type fixtureByTimestamp struct {
	values   map[int64]core.Value
	released *atomic.Int64
	closed   bool
}

var _ transport.ByTimestampReader = (*fixtureByTimestamp)(nil)

func (r *fixtureByTimestamp) ValueAt(ctx context.Context, timestamp int64) (core.Value, bool, error) {
	v, ok := r.values[timestamp]
	return v, ok, nil
}

func (r *fixtureByTimestamp) Close() error {
	if !r.closed {
		r.closed = true
		r.released.Add(1)
	}
	return nil
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
	return &fixtureReader{
		points:    m.groupSeries(group.ID, req.Path, req.TimeFilter, req.Ascending),
		batchSize: 2,
		released:  &m.released,
	}, nil
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
	return &fixtureMultiReader{
		data:     data,
		paths:    owned,
		pos:      make(map[core.Path]int),
		released: &m.released,
	}, nil
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
	return &fixtureByTimestamp{values: values, released: &m.released}, nil
}

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

// testCluster bundles a coordinator over mock collaborators.
type testCluster struct {
	coordinator *Coordinator
	transport   *mockTransport
	leader      *stubLeader
	metrics     *Metrics
}

func newTestCluster(data map[uint64]map[core.Path]core.Batch, groups ...*partition.Group) *testCluster {
	tr := newMockTransport(data)
	leader := &stubLeader{term: 3, index: 10}
	gate := consistency.NewGate(consistency.GateOptions{
		Leader:            leader,
		Local:             &stubLocal{applied: 10, term: 3},
		LeaderTimeout:     time.Second,
		ObservedTermLease: 0, // every check talks to the leader
	})
	factory := reader.NewFactory(reader.FactoryOptions{
		Resolver:  allGroupsTable(groups...),
		Transport: tr,
		BatchSize: 2,
	})
	metrics, err := NewMetrics()
	if err != nil {
		panic(err)
	}
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Gate:    gate,
		Factory: factory,
		Metrics: metrics,
	})
	if err != nil {
		panic(err)
	}
	return &testCluster{coordinator: coordinator, transport: tr, leader: leader, metrics: metrics}
}

// sliceStream is a timeStream over fixed timestamps, for node-level tests.
type sliceStream struct {
	timestamps []int64
	pos        int
	closed     bool
}

var _ timeStream = (*sliceStream)(nil)

func (s *sliceStream) peek(ctx context.Context) (int64, bool, error) {
	if s.pos >= len(s.timestamps) {
		return 0, false, nil
	}
	return s.timestamps[s.pos], true, nil
}

func (s *sliceStream) advance(ctx context.Context) error {
	s.pos++
	return nil
}

func (s *sliceStream) close() error {
	s.closed = true
	return nil
}
