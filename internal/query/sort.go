package query

import "sort"

// SortDocuments orders documents in place by a field path using the same
// cross-type ordering the comparison operators use. Documents where the
// field is undefined sort first (undefined behaves like null).
func SortDocuments[T ~map[string]interface{}](docs []T, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := Resolve(map[string]interface{}(docs[i]), field)
		b, _ := Resolve(map[string]interface{}(docs[j]), field)
		c := CompareValues(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
}
