// Package equiv implements equivalence classes over comparable values with a
// union-find forest. It is independent of the node union-find of the points-to
// graphs: the classes are decided before graphs are unified and are only used
// to force members of one class into the same node.
package equiv

// Classes is a collection of disjoint sets. The zero value is an empty
// collection ready to use.
type Classes[E comparable] struct {
	parent map[E]E
	size   map[E]int
	// insertion order, for deterministic iteration
	order []E
}

// Insert adds e as a singleton class unless it is already present.
func (c *Classes[E]) Insert(e E) {
	if c.parent == nil {
		c.parent = make(map[E]E)
		c.size = make(map[E]int)
	}
	if _, found := c.parent[e]; !found {
		c.parent[e] = e
		c.size[e] = 1
		c.order = append(c.order, e)
	}
}

func (c *Classes[E]) Contains(e E) bool {
	_, found := c.parent[e]
	return found
}

// Leader returns the representative of the class containing e, inserting e
// if it is unknown.
func (c *Classes[E]) Leader(e E) E {
	c.Insert(e)
	p := c.parent[e]
	if p == e {
		return e
	}

	root := c.Leader(p)
	c.parent[e] = root
	return root
}

// Union merges the classes of a and b and returns the new leader. The larger
// class keeps its leader.
func (c *Classes[E]) Union(a, b E) E {
	ra, rb := c.Leader(a), c.Leader(b)
	if ra == rb {
		return ra
	}

	if c.size[ra] < c.size[rb] {
		ra, rb = rb, ra
	}

	c.parent[rb] = ra
	c.size[ra] += c.size[rb]
	delete(c.size, rb)
	return ra
}

func (c *Classes[E]) Equivalent(a, b E) bool {
	return c.Leader(a) == c.Leader(b)
}

// Members returns the classes with more than one member, in insertion order of
// their first member.
func (c *Classes[E]) Members() [][]E {
	idx := make(map[E]int)
	var res [][]E
	for _, e := range c.order {
		l := c.Leader(e)
		if c.size[l] < 2 {
			continue
		}

		i, found := idx[l]
		if !found {
			i = len(res)
			idx[l] = i
			res = append(res, nil)
		}
		res[i] = append(res[i], e)
	}
	return res
}

// Len returns the number of elements in all classes.
func (c *Classes[E]) Len() int {
	return len(c.order)
}
