package reader

import (
	"context"

	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/transport"
)

// pathProjection narrows one group's multi-series reader to a single path
// so it can participate in that path's merge. Closing a projection is a
// no-op: the shared multi-series reader outlives its projections and is
// released by whoever assembled them.
type pathProjection struct {
	multi transport.MultiBatchReader
	path  core.Path
}

var _ transport.BatchReader = (*pathProjection)(nil)

func (p *pathProjection) HasNextBatch(ctx context.Context) (bool, error) {
	return p.multi.HasNextBatch(ctx, p.path)
}

func (p *pathProjection) NextBatch(ctx context.Context) (core.Batch, error) {
	return p.multi.NextBatch(ctx, p.path)
}

func (p *pathProjection) Close() error { return nil }

// AssembleParams holds all parameters for Assemble.
type AssembleParams struct {
	// Paths in query-plan order.
	Paths []core.Path
	// MultiReaders in the factory's deterministic group order.
	MultiReaders []transport.MultiBatchReader
	Order        core.SortOrder
	BatchSize    int
}

// Assemble redistributes per-group multi-series readers into per-path
// merges without re-issuing per-path requests: each path collects a
// projection of every group reader whose path set contains it. Every
// requested path gets exactly one merge, possibly with zero constituents
// (an empty stream; an unowned path is not an error in either routing
// mode).
func Assemble(params AssembleParams) []*Merge {
	merges := make([]*Merge, len(params.Paths))
	for i, path := range params.Paths {
		var constituents []transport.BatchReader
		for _, multi := range params.MultiReaders {
			for _, owned := range multi.Paths() {
				if owned == path {
					constituents = append(constituents, &pathProjection{multi: multi, path: path})
					break
				}
			}
		}
		merges[i] = NewMerge(MergeParams{
			Path:      path,
			Readers:   constituents,
			Order:     params.Order,
			BatchSize: params.BatchSize,
		})
	}
	return merges
}
