package utils

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Subtract returns the elements of a not present in b, keeping a's order.
func Subtract[K comparable](a []K, b map[K]struct{}) (rest []K) {
	for _, k := range a {
		if _, ok := b[k]; !ok {
			rest = append(rest, k)
		}
	}
	return
}
