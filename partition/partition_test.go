package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuscluster/core"
)

func testGroup(id uint64) *Group {
	return &Group{ID: id, Nodes: []Node{{ID: id*10 + 1, Address: "127.0.0.1:0"}}}
}

func TestTable_GroupsOwning_DeterministicOrder(t *testing.T) {
	g1, g2, g3 := testGroup(1), testGroup(2), testGroup(3)
	// g1 and g3 both own the full slot space (replicas); g2 owns nothing
	// relevant once the path hashes outside its range.
	table, err := NewTable(64, []Assignment{
		{Group: g1, Slots: SlotRange(0, 64)},
		{Group: g2, Slots: SlotRange(0, 1)},
		{Group: g3, Slots: SlotRange(0, 64)},
	})
	require.NoError(t, err)

	path := core.Path("root.sg.d1.s1")
	owners := table.GroupsOwning(path, nil)
	require.NotEmpty(t, owners)

	// Same call, same order, every time within a query.
	for i := 0; i < 5; i++ {
		again := table.GroupsOwning(path, nil)
		assert.Equal(t, owners, again)
	}

	// g1 precedes g3 because its assignment comes first.
	assert.Equal(t, uint64(1), owners[0].ID)
	assert.Equal(t, uint64(3), owners[len(owners)-1].ID)
}

func TestTable_GroupsOwning_TimeCoveragePruning(t *testing.T) {
	g1, g2 := testGroup(1), testGroup(2)
	table, err := NewTable(16, []Assignment{
		{Group: g1, Slots: SlotRange(0, 16), Coverage: &core.TimeRange{Min: 0, Max: 99}},
		{Group: g2, Slots: SlotRange(0, 16), Coverage: &core.TimeRange{Min: 100, Max: 199}},
	})
	require.NoError(t, err)

	path := core.Path("root.sg.d1.s1")

	owners := table.GroupsOwning(path, &core.TimeRange{Min: 0, Max: 50})
	require.Len(t, owners, 1)
	assert.Equal(t, uint64(1), owners[0].ID)

	owners = table.GroupsOwning(path, &core.TimeRange{Min: 50, Max: 150})
	require.Len(t, owners, 2)

	// A filter intersecting no coverage resolves to zero groups, not an error.
	owners = table.GroupsOwning(path, &core.TimeRange{Min: 500, Max: 600})
	assert.Empty(t, owners)
}

func TestTable_SlotFor_Stable(t *testing.T) {
	table, err := NewTable(10000, []Assignment{
		{Group: testGroup(1), Slots: SlotRange(0, 10000)},
	})
	require.NoError(t, err)

	a := table.SlotFor("root.sg.d1")
	b := table.SlotFor("root.sg.d1")
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(10000))

	// Different measurements of one device land on the same slot.
	assert.Equal(t,
		table.GroupsOwning("root.sg.d1.s1", nil),
		table.GroupsOwning("root.sg.d1.s2", nil))
}

func TestNewTable_Validation(t *testing.T) {
	g := testGroup(1)

	_, err := NewTable(0, nil)
	require.Error(t, err)

	_, err = NewTable(16, []Assignment{{Group: g, Slots: SlotRange(0, 32)}})
	require.Error(t, err, "slots out of range must be rejected")

	_, err = NewTable(16, []Assignment{{Group: &Group{ID: 9}, Slots: SlotRange(0, 4)}})
	require.Error(t, err, "group without nodes must be rejected")
}
