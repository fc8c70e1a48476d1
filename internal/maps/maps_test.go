package maps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromKeys(t *testing.T) {
	m := FromKeys([]string{"x", "y", "x"})
	assert.Len(t, m, 2)
	assert.Contains(t, m, "x")
	assert.Contains(t, m, "y")
}

func TestSortedKeys(t *testing.T) {
	m := map[int]string{3: "c", 1: "a", 2: "b"}
	less := func(a, b int) bool { return a < b }
	assert.Equal(t, []int{1, 2, 3}, SortedKeys(m, less))
	assert.Equal(t, []int{3, 2, 1}, SortedKeys(m, func(a, b int) bool { return b < a }))
	assert.Empty(t, SortedKeys(map[int]bool{}, less))
}
