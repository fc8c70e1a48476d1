package slices

func Contains[L ~[]E, E comparable](l L, x E) bool {
	for _, y := range l {
		if x == y {
			return true
		}
	}

	return false
}

// Subset reports whether every element of a occurs in b.
func Subset[L ~[]E, E comparable](a, b L) bool {
	if len(a) > len(b) {
		seen := make(map[E]bool, len(a))
		for _, x := range a {
			seen[x] = true
		}
		if len(seen) > len(b) {
			return false
		}
	}

	for _, x := range a {
		if !Contains(b, x) {
			return false
		}
	}

	return true
}

// AppendUnique appends x to l unless it is already present.
func AppendUnique[L ~[]E, E comparable](l L, x E) L {
	if Contains(l, x) {
		return l
	}
	return append(l, x)
}
