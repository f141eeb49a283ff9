// Package consistency implements the freshness gate every distributed read
// passes before routing: the local partition/metadata view must be at least
// as recent as the cluster leader's, or the query fails fast. Routing
// against a stale partition view can silently drop or duplicate data.
package consistency

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuscluster/core"
)

// LeaderClient confirms freshness against the cluster leader. ReadIndex
// returns the leader's current term and commit index; the local view is
// fresh once it has applied up to that index.
type LeaderClient interface {
	ReadIndex(ctx context.Context) (term uint64, index uint64, err error)
}

// LocalView exposes the node's own metadata application progress.
type LocalView interface {
	// AppliedIndex is the highest metadata log index applied locally.
	AppliedIndex() uint64
	// ObservedTerm is the leader term the local view last observed.
	ObservedTerm() uint64
	// WaitApplied blocks until AppliedIndex reaches index or ctx ends.
	WaitApplied(ctx context.Context, index uint64) error
}

// GateOptions holds all parameters for creating a Gate.
type GateOptions struct {
	Leader            LeaderClient
	Local             LocalView
	LeaderTimeout     time.Duration
	ObservedTermLease time.Duration
	Logger            *slog.Logger
	Tracer            trace.Tracer
}

// Gate performs the consistency check. Safe for concurrent use; concurrent
// queries share one gate and benefit from each other's confirmations.
type Gate struct {
	leader      LeaderClient
	local       LocalView
	timeout     time.Duration
	lease       time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	clock       func() time.Time

	mu             sync.Mutex
	confirmedTerm  uint64
	confirmedIndex uint64
	confirmedAt    time.Time
}

func NewGate(opts GateOptions) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.LeaderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{
		leader:  opts.Leader,
		local:   opts.Local,
		timeout: timeout,
		lease:   opts.ObservedTermLease,
		logger:  logger.With("component", "ConsistencyGate"),
		tracer:  opts.Tracer,
		clock:   time.Now,
	}
}

// EnsureFresh blocks until the local view is confirmed at least as fresh as
// the leader's. With strict=false a recent confirmation of the currently
// observed leader term is accepted without a leader round trip; strict=true
// always performs the exchange. Any failure is a *core.ConsistencyError and
// must fail the query; it is never safe to route on a possibly stale view.
func (g *Gate) EnsureFresh(ctx context.Context, strict bool) error {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "consistency.EnsureFresh")
		defer span.End()
	}

	if !strict && g.confirmedWithinLease() {
		return nil
	}
	return g.confirmWithLeader(ctx)
}

// confirmedWithinLease reports whether a previous confirmation still covers
// a relaxed check: the leader term we confirmed is still the term the local
// view observes, the local applied index has not fallen behind it, and the
// confirmation is within the lease window.
func (g *Gate) confirmedWithinLease() bool {
	if g.lease <= 0 {
		return false
	}
	g.mu.Lock()
	term, index, at := g.confirmedTerm, g.confirmedIndex, g.confirmedAt
	g.mu.Unlock()

	if at.IsZero() || g.clock().Sub(at) > g.lease {
		return false
	}
	if g.local.ObservedTerm() != term {
		return false
	}
	return g.local.AppliedIndex() >= index
}

func (g *Gate) confirmWithLeader(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	term, index, err := g.leader.ReadIndex(ctx)
	if err != nil {
		g.logger.Warn("Leader could not confirm read index.", "error", err)
		return &core.ConsistencyError{Reason: "leader unreachable or unconfirmed", Err: err}
	}
	if observed := g.local.ObservedTerm(); term < observed {
		// A leader answering with an older term than we have seen is stale;
		// its partition view cannot be trusted.
		g.logger.Warn("Leader reported stale term.", "leader_term", term, "observed_term", observed)
		return &core.ConsistencyError{Reason: "leader term behind locally observed term"}
	}

	if err := g.local.WaitApplied(ctx, index); err != nil {
		return &core.ConsistencyError{Reason: "local view did not catch up to leader commit index", Err: err}
	}

	g.mu.Lock()
	g.confirmedTerm = term
	g.confirmedIndex = index
	g.confirmedAt = g.clock()
	g.mu.Unlock()

	g.logger.Debug("Consistency confirmed.", "term", term, "index", index)
	return nil
}
