// Package partition models the cluster's partition table: which group of
// replica nodes owns which slice of the series/time space. The table is
// built once from externally supplied assignments and is read-only for the
// duration of a query.
package partition

import (
	"fmt"
	"hash/fnv"

	"github.com/RoaringBitmap/roaring"

	"github.com/INLOpen/nexuscluster/core"
)

// Node is one cluster member.
type Node struct {
	ID      uint64
	Address string
}

// Group is a set of replica nodes jointly owning one slice of the partition
// space. Nodes are listed in replica-precedence order.
type Group struct {
	ID    uint64
	Nodes []Node
}

func (g *Group) String() string {
	return fmt.Sprintf("group-%d(%d replicas)", g.ID, len(g.Nodes))
}

// Assignment binds a group to the set of hash slots it owns and the time
// range it covers. A nil Coverage means the group covers all time.
type Assignment struct {
	Group    *Group
	Slots    *roaring.Bitmap
	Coverage *core.TimeRange
}

// Resolver resolves the partition groups that may hold data for a path.
// The returned order must be deterministic across calls within one query:
// the merge reader's duplicate-timestamp tie-break depends on it.
type Resolver interface {
	GroupsOwning(path core.Path, timeFilter *core.TimeRange) []*Group
}

// Table is a slot-hashed partition table. Device paths hash into a fixed
// slot space; each assignment claims a bitmap of slots. Replicated data
// shows up as multiple assignments claiming the same slot.
type Table struct {
	slots       uint32
	assignments []Assignment
}

var _ Resolver = (*Table)(nil)

// NewTable builds a table over the given slot space. Assignment order is
// preserved and becomes the resolver's deterministic group order.
func NewTable(slots uint32, assignments []Assignment) (*Table, error) {
	if slots == 0 {
		return nil, fmt.Errorf("partition table needs a positive slot count")
	}
	for i, a := range assignments {
		if a.Group == nil {
			return nil, fmt.Errorf("assignment %d has no group", i)
		}
		if len(a.Group.Nodes) == 0 {
			return nil, fmt.Errorf("assignment %d: group %d has no nodes", i, a.Group.ID)
		}
		if a.Slots == nil || a.Slots.IsEmpty() {
			return nil, fmt.Errorf("assignment %d: group %d owns no slots", i, a.Group.ID)
		}
		if max := a.Slots.Maximum(); max >= slots {
			return nil, fmt.Errorf("assignment %d: slot %d out of range (slots=%d)", i, max, slots)
		}
	}
	return &Table{slots: slots, assignments: assignments}, nil
}

// SlotFor maps a device to its hash slot.
func (t *Table) SlotFor(device string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(device))
	return h.Sum32() % t.slots
}

// GroupsOwning returns the groups that may hold data for path within the
// time filter, in assignment order. An empty result is the legitimate
// "empty interval" outcome, not an error.
func (t *Table) GroupsOwning(path core.Path, timeFilter *core.TimeRange) []*Group {
	slot := t.SlotFor(path.Device())
	var owners []*Group
	for _, a := range t.assignments {
		if !a.Slots.Contains(slot) {
			continue
		}
		if timeFilter != nil && a.Coverage != nil && !a.Coverage.Intersects(*timeFilter) {
			continue
		}
		owners = append(owners, a.Group)
	}
	return owners
}

// Groups returns every distinct group in the table, in assignment order.
func (t *Table) Groups() []*Group {
	seen := make(map[uint64]bool, len(t.assignments))
	var groups []*Group
	for _, a := range t.assignments {
		if !seen[a.Group.ID] {
			seen[a.Group.ID] = true
			groups = append(groups, a.Group)
		}
	}
	return groups
}

// SlotRange is a convenience for building assignments: a bitmap containing
// the half-open slot range [from, to).
func SlotRange(from, to uint32) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(uint64(from), uint64(to))
	return bm
}
