package maps

import (
	xmaps "golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func FromKeys[L ~[]K, K comparable](l L) map[K]struct{} {
	res := make(map[K]struct{}, len(l))
	for _, key := range l {
		res[key] = struct{}{}
	}
	return res
}

// SortedKeys returns the keys of m ordered by less. Map iteration order is
// random, so anything that is printed or merged in key order goes through
// here to keep the analysis deterministic.
func SortedKeys[M ~map[K]V, K comparable, V any](m M, less func(a, b K) bool) []K {
	keys := xmaps.Keys(m)
	slices.SortFunc(keys, less)
	return keys
}
