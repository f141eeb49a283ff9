package reader

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/partition"
	"github.com/INLOpen/nexuscluster/transport"
	"github.com/INLOpen/nexuscluster/wire"
)

// FactoryOptions holds all parameters for creating a Factory.
type FactoryOptions struct {
	Resolver  partition.Resolver
	Transport transport.Transport
	// BatchSize is requested from remote readers and used by merges.
	BatchSize int
	// GroupParallelism caps concurrent per-group remote opens.
	GroupParallelism int
	Logger           *slog.Logger
	Tracer           trace.Tracer
}

// Factory resolves the partition groups owning a path and acquires the
// group-level readers, one remote request per relevant group. A failure
// from any group is a hard failure for the whole acquisition: partially
// opened readers are released and the error is returned.
type Factory struct {
	resolver    partition.Resolver
	transport   transport.Transport
	batchSize   int
	parallelism int
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewFactory(opts FactoryOptions) *Factory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 4096
	}
	parallelism := opts.GroupParallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Factory{
		resolver:    opts.Resolver,
		transport:   opts.Transport,
		batchSize:   batchSize,
		parallelism: parallelism,
		logger:      logger.With("component", "ReaderFactory"),
		tracer:      opts.Tracer,
	}
}

// SeriesReader builds the logical series stream for one path: it resolves
// the owning groups, opens one single-series reader per group in parallel,
// and merges them. Zero owning groups yields an empty, non-erroring stream.
func (f *Factory) SeriesReader(ctx context.Context, path core.Path, measurements []string, dataType core.DataType, timeFilter *core.TimeRange, order core.SortOrder) (*Merge, error) {
	if f.tracer != nil {
		var span trace.Span
		ctx, span = f.tracer.Start(ctx, "reader.SeriesReader",
			trace.WithAttributes(attribute.String("path", path.String())))
		defer span.End()
	}

	groups := f.resolver.GroupsOwning(path, timeFilter)
	if len(groups) == 0 {
		f.logger.Debug("No partition group owns path in range, stream is empty.",
			"path", path, "filter", timeFilter)
		return NewMerge(MergeParams{Path: path, Order: order, BatchSize: f.batchSize}), nil
	}

	// Opened readers keep the resolver's group order; the merge tie-break
	// depends on it.
	opened := make([]transport.BatchReader, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			r, err := f.transport.OpenSeriesReader(gctx, group, wire.OpenSeriesRequest{
				Path:         path,
				Measurements: measurements,
				DataType:     dataType,
				TimeFilter:   timeFilter,
				Ascending:    order == core.Ascending,
				BatchSize:    uint32(f.batchSize),
			})
			if err != nil {
				return err
			}
			opened[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(opened)
		return nil, err
	}

	return NewMerge(MergeParams{Path: path, Readers: opened, Order: order, BatchSize: f.batchSize}), nil
}

// MultiSeriesReaders issues one combined request per partition group
// covering every selected path that group owns, instead of one request per
// path per group. The returned readers keep the order groups were first
// encountered while resolving the path list, which is deterministic.
func (f *Factory) MultiSeriesReaders(ctx context.Context, paths []core.Path, deviceToMeasurements map[string][]string, dataTypes []core.DataType, timeFilter *core.TimeRange, order core.SortOrder) ([]transport.MultiBatchReader, error) {
	if f.tracer != nil {
		var span trace.Span
		ctx, span = f.tracer.Start(ctx, "reader.MultiSeriesReaders",
			trace.WithAttributes(attribute.Int("paths", len(paths))))
		defer span.End()
	}

	type groupRequest struct {
		group     *partition.Group
		paths     []core.Path
		dataTypes []core.DataType
	}
	var ordered []*groupRequest
	byID := make(map[uint64]*groupRequest)
	for i, path := range paths {
		for _, group := range f.resolver.GroupsOwning(path, timeFilter) {
			req, ok := byID[group.ID]
			if !ok {
				req = &groupRequest{group: group}
				byID[group.ID] = req
				ordered = append(ordered, req)
			}
			req.paths = append(req.paths, path)
			req.dataTypes = append(req.dataTypes, dataTypes[i])
		}
	}

	opened := make([]transport.MultiBatchReader, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for i, req := range ordered {
		i, req := i, req
		g.Go(func() error {
			r, err := f.transport.OpenMultiSeriesReader(gctx, req.group, wire.OpenMultiRequest{
				Paths:                req.paths,
				DataTypes:            req.dataTypes,
				DeviceToMeasurements: deviceToMeasurements,
				TimeFilter:           timeFilter,
				Ascending:            order == core.Ascending,
				BatchSize:            uint32(f.batchSize),
			})
			if err != nil {
				return err
			}
			opened[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAllMulti(opened)
		return nil, err
	}

	f.logger.Debug("Opened multi-series readers.", "groups", len(opened), "paths", len(paths))
	return opened, nil
}

// ReaderByTimestamp builds a point-lookup reader over every group owning
// the path. Lookups consult groups in resolver order; the first group
// reporting a value wins, mirroring the merge de-duplication rule.
func (f *Factory) ReaderByTimestamp(ctx context.Context, path core.Path, measurements []string, dataType core.DataType, order core.SortOrder) (transport.ByTimestampReader, error) {
	groups := f.resolver.GroupsOwning(path, nil)
	if len(groups) == 0 {
		return absentReader{}, nil
	}

	opened := make([]transport.ByTimestampReader, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			r, err := f.transport.OpenByTimestampReader(gctx, group, wire.OpenByTimestampRequest{
				Path:         path,
				Measurements: measurements,
				DataType:     dataType,
				Ascending:    order == core.Ascending,
			})
			if err != nil {
				return err
			}
			opened[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range opened {
			if r != nil {
				_ = r.Close()
			}
		}
		return nil, err
	}

	return &groupOrderedByTimestamp{readers: opened}, nil
}

func closeAll(readers []transport.BatchReader) {
	for _, r := range readers {
		if r != nil {
			_ = r.Close()
		}
	}
}

func closeAllMulti(readers []transport.MultiBatchReader) {
	for _, r := range readers {
		if r != nil {
			_ = r.Close()
		}
	}
}
