package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuscluster/consistency"
	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/reader"
	"github.com/INLOpen/nexuscluster/transport"
)

// CoordinatorOptions holds all parameters for creating a Coordinator.
type CoordinatorOptions struct {
	Gate    *consistency.Gate
	Factory *reader.Factory
	// SingleSeriesRouting opens one request per path per group instead of
	// the batched per-group fan-out.
	SingleSeriesRouting bool
	Logger              *slog.Logger
	Tracer              trace.Tracer
	Metrics             *Metrics
}

// Coordinator drives one cluster's distributed reads: every scan first
// passes the consistency gate, then acquires the plan's group readers
// through the factory, and hands back a result set that owns them. Any
// failure surfaces as a single QueryExecutionError wrapping the first
// cause; an interval no partition group covers is an empty result set,
// not an error.
type Coordinator struct {
	gate         *consistency.Gate
	factory      *reader.Factory
	singleSeries bool
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *Metrics
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("coordinator requires a reader factory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		gate:         opts.Gate,
		factory:      opts.Factory,
		singleSeries: opts.SingleSeriesRouting,
		logger:       logger.With("component", "QueryCoordinator"),
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
	}, nil
}

// Scan executes the plan and returns its result set. The caller must
// close the result set.
func (c *Coordinator) Scan(ctx context.Context, plan *Plan) (*ResultSet, error) {
	start := time.Now()
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "query.Scan",
			trace.WithAttributes(attribute.Int("paths", len(plan.Paths()))))
		defer span.End()
	}

	if err := c.ensureFresh(ctx); err != nil {
		return nil, execErr("scan", err)
	}

	timeFilter, satisfiable := globalTimeFilter(plan.Filter())
	if !satisfiable {
		// Conjunction of disjoint time windows selects nothing.
		c.logger.Debug("Time windows are disjoint, returning empty result set.")
		return c.emptyResultSet(plan, start), nil
	}

	if hasSeriesPredicate(plan.Filter()) {
		rs, err := c.scanFiltered(ctx, plan, timeFilter, start)
		if err != nil {
			return nil, execErr("scan", err)
		}
		return rs, nil
	}

	rs, err := c.scanUnfiltered(ctx, plan, timeFilter, start)
	if err != nil {
		return nil, execErr("scan", err)
	}
	return rs, nil
}

func (c *Coordinator) emptyResultSet(plan *Plan, start time.Time) *ResultSet {
	return &ResultSet{
		paths:   plan.Paths(),
		order:   plan.Order(),
		metrics: c.metrics,
		start:   start,
	}
}

// scanUnfiltered builds one merged stream per path. The default routing
// batches all of a group's paths into one remote request and fans the
// group readers back out per path.
func (c *Coordinator) scanUnfiltered(ctx context.Context, plan *Plan, timeFilter *core.TimeRange, start time.Time) (*ResultSet, error) {
	if c.singleSeries {
		streams := make([]*reader.Merge, len(plan.Paths()))
		for i, path := range plan.Paths() {
			m, err := c.factory.SeriesReader(ctx, path, plan.DeviceToMeasurements()[path.Device()], plan.DataTypes()[i], timeFilter, plan.Order())
			if err != nil {
				for _, opened := range streams[:i] {
					_ = opened.Close()
				}
				return nil, err
			}
			streams[i] = m
		}
		return &ResultSet{
			paths:   plan.Paths(),
			order:   plan.Order(),
			streams: streams,
			metrics: c.metrics,
			start:   start,
		}, nil
	}

	multis, err := c.factory.MultiSeriesReaders(ctx, plan.Paths(), plan.DeviceToMeasurements(), plan.DataTypes(), timeFilter, plan.Order())
	if err != nil {
		return nil, err
	}
	streams := reader.Assemble(reader.AssembleParams{
		Paths:        plan.Paths(),
		MultiReaders: multis,
		Order:        plan.Order(),
	})
	return &ResultSet{
		paths:   plan.Paths(),
		order:   plan.Order(),
		streams: streams,
		multis:  multis,
		metrics: c.metrics,
		start:   start,
	}, nil
}

// scanFiltered pairs a timestamp generator over the filter tree with one
// point-lookup reader per selected path.
func (c *Coordinator) scanFiltered(ctx context.Context, plan *Plan, timeFilter *core.TimeRange, start time.Time) (*ResultSet, error) {
	root, err := c.buildTimeStream(ctx, plan, plan.Filter(), timeFilter)
	if err != nil {
		return nil, err
	}
	// The scan already passed the gate; the generator must not re-check.
	gen := &TimeGenerator{root: root, gate: c.gate, gated: true}

	lookups := make([]transport.ByTimestampReader, len(plan.Paths()))
	for i, path := range plan.Paths() {
		r, err := c.factory.ReaderByTimestamp(ctx, path, plan.DeviceToMeasurements()[path.Device()], plan.DataTypes()[i], plan.Order())
		if err != nil {
			for _, opened := range lookups[:i] {
				_ = opened.Close()
			}
			_ = gen.Close()
			return nil, err
		}
		lookups[i] = r
	}

	return &ResultSet{
		paths:   plan.Paths(),
		order:   plan.Order(),
		gen:     gen,
		lookups: lookups,
		metrics: c.metrics,
		start:   start,
	}, nil
}

// TimeGenerator builds a standalone timestamp generator for the plan's
// filter expression. It performs its own relaxed gate check before the
// first timestamp.
func (c *Coordinator) TimeGenerator(ctx context.Context, plan *Plan) (*TimeGenerator, error) {
	filter := plan.Filter()
	if !hasSeriesPredicate(filter) {
		return nil, execErr("time generator", fmt.Errorf("filter has no series predicate"))
	}
	timeFilter, satisfiable := globalTimeFilter(filter)
	if !satisfiable {
		return &TimeGenerator{root: &orStream{order: plan.Order()}, gate: c.gate}, nil
	}
	root, err := c.buildTimeStream(ctx, plan, filter, timeFilter)
	if err != nil {
		return nil, execErr("time generator", err)
	}
	return &TimeGenerator{root: root, gate: c.gate}, nil
}

// ReaderByTimestamp builds a point-lookup reader for one of the plan's
// paths, for consumers aligning values to externally produced timestamps.
func (c *Coordinator) ReaderByTimestamp(ctx context.Context, plan *Plan, path core.Path) (transport.ByTimestampReader, error) {
	r, err := c.factory.ReaderByTimestamp(ctx, path, plan.DeviceToMeasurements()[path.Device()], plan.dataTypeFor(path), plan.Order())
	if err != nil {
		return nil, execErr("reader by timestamp", err)
	}
	return r, nil
}

// buildTimeStream lowers the filter tree into generator nodes. Global
// time windows reachable conjunctively are already folded into
// timeFilter and contribute no node of their own; a time window under a
// disjunction has no series to generate timestamps from and is rejected.
func (c *Coordinator) buildTimeStream(ctx context.Context, plan *Plan, f Filter, timeFilter *core.TimeRange) (timeStream, error) {
	switch node := f.(type) {
	case SeriesFilter:
		m, err := c.factory.SeriesReader(ctx, node.Path, plan.DeviceToMeasurements()[node.Path.Device()], plan.dataTypeFor(node.Path), timeFilter, plan.Order())
		if err != nil {
			return nil, err
		}
		return &leafStream{merge: m, predicate: node.Predicate}, nil

	case AndFilter:
		var children []timeStream
		for _, op := range node.Operands {
			if !hasSeriesPredicate(op) {
				// Pure time constraint, folded into timeFilter.
				continue
			}
			child, err := c.buildTimeStream(ctx, plan, op, timeFilter)
			if err != nil {
				closeStreams(children)
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("conjunction has no series predicate")
		}
		if len(children) == 1 {
			return children[0], nil
		}
		return &andStream{children: children, order: plan.Order()}, nil

	case OrFilter:
		var children []timeStream
		for _, op := range node.Operands {
			if !hasSeriesPredicate(op) {
				closeStreams(children)
				return nil, fmt.Errorf("time window under a disjunction is not supported")
			}
			child, err := c.buildTimeStream(ctx, plan, op, timeFilter)
			if err != nil {
				closeStreams(children)
				return nil, err
			}
			children = append(children, child)
		}
		if len(children) == 1 {
			return children[0], nil
		}
		return &orStream{children: children, order: plan.Order()}, nil

	default:
		return nil, fmt.Errorf("filter node %T cannot generate timestamps", f)
	}
}

func closeStreams(streams []timeStream) {
	for _, s := range streams {
		_ = s.close()
	}
}

func (c *Coordinator) ensureFresh(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	return c.gate.EnsureFresh(ctx, false)
}

// execErr normalizes a failure into a QueryExecutionError, keeping the
// first one on the chain so retries see a single surfaced cause.
func execErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *core.QueryExecutionError
	if errors.As(err, &qe) {
		return err
	}
	return &core.QueryExecutionError{Op: op, Err: err}
}
