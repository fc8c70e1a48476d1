package equiv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClasses(t *testing.T) {
	var c Classes[string]
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Contains("a"))

	assert.Equal(t, "a", c.Leader("a"), "unknown elements are their own leader")
	assert.True(t, c.Contains("a"))

	c.Insert("b")
	c.Insert("c")
	c.Insert("d")
	assert.False(t, c.Equivalent("a", "b"))

	c.Union("a", "b")
	c.Union("c", "d")
	assert.True(t, c.Equivalent("a", "b"))
	assert.False(t, c.Equivalent("b", "c"))

	l := c.Union("b", "d")
	assert.Equal(t, l, c.Leader("a"))
	assert.Equal(t, l, c.Leader("c"))

	// Idempotent
	assert.Equal(t, l, c.Union("a", "c"))

	members := c.Members()
	require.Len(t, members, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, members[0])
}

func TestMembersSkipsSingletons(t *testing.T) {
	var c Classes[int]
	for i := 0; i < 6; i++ {
		c.Insert(i)
	}
	c.Union(0, 1)
	c.Union(4, 5)

	assert.Equal(t, [][]int{{0, 1}, {4, 5}}, c.Members())
	assert.Equal(t, 6, c.Len())
}
