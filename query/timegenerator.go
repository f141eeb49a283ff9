package query

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexuscluster/consistency"
	"github.com/INLOpen/nexuscluster/core"
	"github.com/INLOpen/nexuscluster/reader"
)

// timeStream is one node of the generator's evaluation tree: a peekable
// stream of candidate timestamps in the query's direction.
type timeStream interface {
	// peek returns the current timestamp, or false when exhausted. Calling
	// peek repeatedly without advance returns the same timestamp.
	peek(ctx context.Context) (int64, bool, error)
	// advance moves past the current timestamp.
	advance(ctx context.Context) error
	close() error
}

// leafStream streams one path's merged series, keeping timestamps whose
// value satisfies the predicate.
type leafStream struct {
	merge     *reader.Merge
	predicate func(core.Value) bool

	cur    int64
	primed bool
	done   bool
}

func (s *leafStream) peek(ctx context.Context) (int64, bool, error) {
	if s.done {
		return 0, false, nil
	}
	if s.primed {
		return s.cur, true, nil
	}
	for {
		ok, err := s.merge.HasNext(ctx)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			s.done = true
			return 0, false, nil
		}
		pair, err := s.merge.Next(ctx)
		if err != nil {
			return 0, false, err
		}
		if s.predicate != nil && !s.predicate(pair.Value) {
			continue
		}
		s.cur = pair.Timestamp
		s.primed = true
		return s.cur, true, nil
	}
}

func (s *leafStream) advance(ctx context.Context) error {
	s.primed = false
	return nil
}

func (s *leafStream) close() error { return s.merge.Close() }

// andStream emits the timestamps present in every child.
type andStream struct {
	children []timeStream
	order    core.SortOrder
}

func (s *andStream) peek(ctx context.Context) (int64, bool, error) {
	for {
		target, ok, err := s.children[0].peek(ctx)
		if err != nil || !ok {
			return 0, false, err
		}
		aligned := true
		for _, child := range s.children[1:] {
			ts, ok, err := child.peek(ctx)
			if err != nil {
				return 0, false, err
			}
			if !ok {
				return 0, false, nil
			}
			if ts == target {
				continue
			}
			aligned = false
			if s.behind(ts, target) {
				if err := child.advance(ctx); err != nil {
					return 0, false, err
				}
			} else {
				target = ts
				if err := s.children[0].advance(ctx); err != nil {
					return 0, false, err
				}
			}
			break
		}
		if aligned {
			return target, true, nil
		}
	}
}

// behind reports whether ts still precedes target in the query direction.
func (s *andStream) behind(ts, target int64) bool {
	if s.order == core.Descending {
		return ts > target
	}
	return ts < target
}

func (s *andStream) advance(ctx context.Context) error {
	for _, child := range s.children {
		if err := child.advance(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *andStream) close() error {
	var firstErr error
	for _, child := range s.children {
		if err := child.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// orStream emits the de-duplicated union of its children's timestamps.
type orStream struct {
	children []timeStream
	order    core.SortOrder
}

func (s *orStream) peek(ctx context.Context) (int64, bool, error) {
	var best int64
	found := false
	for _, child := range s.children {
		ts, ok, err := child.peek(ctx)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			continue
		}
		if !found || s.precedes(ts, best) {
			best = ts
			found = true
		}
	}
	return best, found, nil
}

func (s *orStream) precedes(a, b int64) bool {
	if s.order == core.Descending {
		return a > b
	}
	return a < b
}

func (s *orStream) advance(ctx context.Context) error {
	cur, ok, err := s.peek(ctx)
	if err != nil || !ok {
		return err
	}
	// Every child sitting on the emitted timestamp moves past it, so
	// duplicates across disjuncts appear once.
	for _, child := range s.children {
		ts, ok, err := child.peek(ctx)
		if err != nil {
			return err
		}
		if ok && ts == cur {
			if err := child.advance(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *orStream) close() error {
	var firstErr error
	for _, child := range s.children {
		if err := child.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TimeGenerator streams the timestamps satisfying a value-filter
// expression, in the query's direction, each timestamp at most once. It
// confirms replica freshness with a relaxed gate check before producing
// the first timestamp.
type TimeGenerator struct {
	root  timeStream
	gate  *consistency.Gate
	gated bool

	closed bool
}

// HasNext reports whether another satisfying timestamp exists.
func (g *TimeGenerator) HasNext(ctx context.Context) (bool, error) {
	if err := g.ensureGate(ctx); err != nil {
		return false, err
	}
	_, ok, err := g.root.peek(ctx)
	return ok, err
}

// Next returns the next satisfying timestamp.
func (g *TimeGenerator) Next(ctx context.Context) (int64, error) {
	if err := g.ensureGate(ctx); err != nil {
		return 0, err
	}
	ts, ok, err := g.root.peek(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("time generator is exhausted")
	}
	return ts, g.root.advance(ctx)
}

func (g *TimeGenerator) ensureGate(ctx context.Context) error {
	if g.gate == nil || g.gated {
		return nil
	}
	if err := g.gate.EnsureFresh(ctx, false); err != nil {
		return err
	}
	g.gated = true
	return nil
}

// Close releases every underlying series reader exactly once.
func (g *TimeGenerator) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.root.close()
}
