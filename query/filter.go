package query

import (
	"github.com/INLOpen/nexuscluster/core"
)

// Filter is a node of a query's filter expression tree. The set is closed:
// a global time window, a per-series value predicate, and boolean
// combinations of those. Predicate semantics come from the caller; the
// coordinator only routes them.
type Filter interface {
	filterNode()
}

// GlobalTimeFilter restricts the whole query to a closed time window.
type GlobalTimeFilter struct {
	Range core.TimeRange
}

// SeriesFilter keeps timestamps whose value for Path satisfies Predicate.
type SeriesFilter struct {
	Path      core.Path
	Predicate func(core.Value) bool
}

// AndFilter is the conjunction of its operands.
type AndFilter struct {
	Operands []Filter
}

// OrFilter is the disjunction of its operands.
type OrFilter struct {
	Operands []Filter
}

func (GlobalTimeFilter) filterNode() {}
func (SeriesFilter) filterNode()     {}
func (AndFilter) filterNode()        {}
func (OrFilter) filterNode()         {}

// And combines filters conjunctively, flattening trivial cases.
func And(operands ...Filter) Filter {
	if len(operands) == 1 {
		return operands[0]
	}
	return AndFilter{Operands: operands}
}

// Or combines filters disjunctively, flattening trivial cases.
func Or(operands ...Filter) Filter {
	if len(operands) == 1 {
		return operands[0]
	}
	return OrFilter{Operands: operands}
}

// globalTimeFilter extracts the time window the whole expression is
// conjunctively bounded by: the intersection of every GlobalTimeFilter
// reachable through And nodes. Windows under an Or do not constrain the
// whole query and are ignored. Returns nil when unbounded, and
// (nil, false) when the conjunction is empty (disjoint windows).
func globalTimeFilter(f Filter) (*core.TimeRange, bool) {
	switch node := f.(type) {
	case nil:
		return nil, true
	case GlobalTimeFilter:
		r := node.Range
		return &r, true
	case AndFilter:
		var bound *core.TimeRange
		for _, op := range node.Operands {
			r, ok := globalTimeFilter(op)
			if !ok {
				return nil, false
			}
			if r == nil {
				continue
			}
			if bound == nil {
				bound = r
				continue
			}
			if !bound.Intersects(*r) {
				return nil, false
			}
			if r.Min > bound.Min {
				bound.Min = r.Min
			}
			if r.Max < bound.Max {
				bound.Max = r.Max
			}
		}
		return bound, true
	default:
		return nil, true
	}
}

// hasSeriesPredicate reports whether the expression contains at least one
// per-series value predicate, which forces the timestamp-generation path.
func hasSeriesPredicate(f Filter) bool {
	switch node := f.(type) {
	case SeriesFilter:
		return true
	case AndFilter:
		for _, op := range node.Operands {
			if hasSeriesPredicate(op) {
				return true
			}
		}
	case OrFilter:
		for _, op := range node.Operands {
			if hasSeriesPredicate(op) {
				return true
			}
		}
	}
	return false
}
