package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuscluster/core"
)

func drainStream(t *testing.T, s timeStream) []int64 {
	t.Helper()
	var out []int64
	for {
		ts, ok, err := s.peek(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, ts)
		require.NoError(t, s.advance(context.Background()))
	}
}

func TestAndStream_Intersection(t *testing.T) {
	s := &andStream{
		children: []timeStream{
			&sliceStream{timestamps: []int64{1, 2, 3, 5, 8}},
			&sliceStream{timestamps: []int64{2, 3, 4, 8}},
			&sliceStream{timestamps: []int64{2, 3, 8, 9}},
		},
		order: core.Ascending,
	}
	assert.Equal(t, []int64{2, 3, 8}, drainStream(t, s))
}

func TestAndStream_EmptyIntersection(t *testing.T) {
	s := &andStream{
		children: []timeStream{
			&sliceStream{timestamps: []int64{1, 3, 5}},
			&sliceStream{timestamps: []int64{2, 4, 6}},
		},
		order: core.Ascending,
	}
	assert.Empty(t, drainStream(t, s))
}

func TestAndStream_Descending(t *testing.T) {
	s := &andStream{
		children: []timeStream{
			&sliceStream{timestamps: []int64{8, 5, 3, 2, 1}},
			&sliceStream{timestamps: []int64{8, 4, 3, 2}},
		},
		order: core.Descending,
	}
	assert.Equal(t, []int64{8, 3, 2}, drainStream(t, s))
}

func TestOrStream_UnionDeduplicates(t *testing.T) {
	s := &orStream{
		children: []timeStream{
			&sliceStream{timestamps: []int64{1, 3, 5}},
			&sliceStream{timestamps: []int64{2, 3, 6}},
			&sliceStream{timestamps: []int64{3, 7}},
		},
		order: core.Ascending,
	}
	assert.Equal(t, []int64{1, 2, 3, 5, 6, 7}, drainStream(t, s))
}

func TestOrStream_Descending(t *testing.T) {
	s := &orStream{
		children: []timeStream{
			&sliceStream{timestamps: []int64{5, 3, 1}},
			&sliceStream{timestamps: []int64{6, 3, 2}},
		},
		order: core.Descending,
	}
	assert.Equal(t, []int64{6, 5, 3, 2, 1}, drainStream(t, s))
}

func TestTimeGenerator_GatesOnceBeforeFirstTimestamp(t *testing.T) {
	s1 := core.Path("root.sg1.d1.s1")
	cluster := newTestCluster(map[uint64]map[core.Path]core.Batch{
		1: {s1: {fpair(1, 5), fpair(2, 50)}},
	}, mkGroup(1))

	above10 := func(v core.Value) bool {
		f, ok := v.Float()
		return ok && f > 10
	}
	plan := mustPlan(t, PlanParams{
		Paths:     []core.Path{s1},
		DataTypes: []core.DataType{core.DataTypeFloat},
		Filter:    SeriesFilter{Path: s1, Predicate: above10},
		Order:     core.Ascending,
	})

	gen, err := cluster.coordinator.TimeGenerator(context.Background(), plan)
	require.NoError(t, err)
	defer gen.Close()

	baseline := cluster.leader.calls.Load()

	ok, err := gen.HasNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	ts, err := gen.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), ts)

	ok, err = gen.HasNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, baseline+1, cluster.leader.calls.Load(),
		"one freshness confirmation for the whole generator run")
}

func TestTimeGenerator_ConjunctionOfSeriesPredicates(t *testing.T) {
	s1 := core.Path("root.sg1.d1.s1")
	s2 := core.Path("root.sg1.d1.s2")
	cluster := newTestCluster(map[uint64]map[core.Path]core.Batch{
		1: {
			s1: {fpair(1, 20), fpair(2, 20), fpair(3, 5), fpair(4, 20)},
			s2: {fpair(2, 30), fpair(3, 30), fpair(4, 30), fpair(5, 30)},
		},
	}, mkGroup(1))

	above10 := func(v core.Value) bool {
		f, ok := v.Float()
		return ok && f > 10
	}
	plan := mustPlan(t, PlanParams{
		Paths:     []core.Path{s1, s2},
		DataTypes: []core.DataType{core.DataTypeFloat, core.DataTypeFloat},
		Filter: And(
			SeriesFilter{Path: s1, Predicate: above10},
			SeriesFilter{Path: s2, Predicate: above10},
		),
		Order: core.Ascending,
	})

	gen, err := cluster.coordinator.TimeGenerator(context.Background(), plan)
	require.NoError(t, err)
	defer gen.Close()

	var out []int64
	for {
		ok, err := gen.HasNext(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ts, err := gen.Next(context.Background())
		require.NoError(t, err)
		out = append(out, ts)
	}
	// s1 satisfies at 1,2,4; s2 at 2,3,4,5.
	assert.Equal(t, []int64{2, 4}, out)
}

func TestTimeGenerator_DisjunctionDeduplicates(t *testing.T) {
	s1 := core.Path("root.sg1.d1.s1")
	s2 := core.Path("root.sg1.d1.s2")
	cluster := newTestCluster(map[uint64]map[core.Path]core.Batch{
		1: {
			s1: {fpair(1, 20), fpair(3, 20)},
			s2: {fpair(2, 30), fpair(3, 30)},
		},
	}, mkGroup(1))

	any := func(core.Value) bool { return true }
	plan := mustPlan(t, PlanParams{
		Paths:     []core.Path{s1, s2},
		DataTypes: []core.DataType{core.DataTypeFloat, core.DataTypeFloat},
		Filter: Or(
			SeriesFilter{Path: s1, Predicate: any},
			SeriesFilter{Path: s2, Predicate: any},
		),
		Order: core.Ascending,
	})

	gen, err := cluster.coordinator.TimeGenerator(context.Background(), plan)
	require.NoError(t, err)
	defer gen.Close()

	var out []int64
	for {
		ok, err := gen.HasNext(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ts, err := gen.Next(context.Background())
		require.NoError(t, err)
		out = append(out, ts)
	}
	assert.Equal(t, []int64{1, 2, 3}, out)
}

func TestTimeGenerator_RequiresSeriesPredicate(t *testing.T) {
	s1 := core.Path("root.sg1.d1.s1")
	cluster := newTestCluster(nil, mkGroup(1))

	plan := mustPlan(t, PlanParams{
		Paths:     []core.Path{s1},
		DataTypes: []core.DataType{core.DataTypeFloat},
		Filter:    GlobalTimeFilter{Range: core.TimeRange{Min: 0, Max: 10}},
		Order:     core.Ascending,
	})

	_, err := cluster.coordinator.TimeGenerator(context.Background(), plan)
	require.Error(t, err)
	var qe *core.QueryExecutionError
	assert.ErrorAs(t, err, &qe)
}

func TestTimeGenerator_TimeWindowUnderDisjunctionRejected(t *testing.T) {
	s1 := core.Path("root.sg1.d1.s1")
	cluster := newTestCluster(map[uint64]map[core.Path]core.Batch{
		1: {s1: {fpair(1, 10)}},
	}, mkGroup(1))

	any := func(core.Value) bool { return true }
	plan := mustPlan(t, PlanParams{
		Paths:     []core.Path{s1},
		DataTypes: []core.DataType{core.DataTypeFloat},
		Filter: Or(
			SeriesFilter{Path: s1, Predicate: any},
			GlobalTimeFilter{Range: core.TimeRange{Min: 0, Max: 10}},
		),
		Order: core.Ascending,
	})

	_, err := cluster.coordinator.TimeGenerator(context.Background(), plan)
	require.Error(t, err)
	assert.Equal(t, cluster.transport.acquired.Load(), cluster.transport.released.Load(),
		"streams built before the rejection must be released")
}

func TestLeafStream_ErrorSurfaces(t *testing.T) {
	// A leaf over a failing group surfaces the transport error unchanged.
	s1 := core.Path("root.sg1.d1.s1")
	cluster := newTestCluster(map[uint64]map[core.Path]core.Batch{
		1: {s1: {fpair(1, 10)}},
	}, mkGroup(1))
	cluster.transport.failGroups[1] = errors.New("group down")

	any := func(core.Value) bool { return true }
	plan := mustPlan(t, PlanParams{
		Paths:     []core.Path{s1},
		DataTypes: []core.DataType{core.DataTypeFloat},
		Filter:    SeriesFilter{Path: s1, Predicate: any},
		Order:     core.Ascending,
	})

	_, err := cluster.coordinator.TimeGenerator(context.Background(), plan)
	require.Error(t, err)
}
