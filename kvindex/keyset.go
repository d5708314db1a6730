package kvindex

import "sort"

import "github.com/cuemby/embedkv/keyrange"

// SortedKeys is a primary-key set sorted ascending by primary-key order,
// with no duplicates -- the representation spec.md uses for both a
// non-unique index's record and for keys()/values() query results.
type SortedKeys []keyrange.Key

func (s SortedKeys) search(k keyrange.Key) (int, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Compare(k) >= 0 })
	if i < len(s) && s[i].Equal(k) {
		return i, true
	}
	return i, false
}

// Contains reports whether k is a member of s.
func (s SortedKeys) Contains(k keyrange.Key) bool {
	_, ok := s.search(k)
	return ok
}

// Insert returns s with k inserted in sorted position, or s unchanged if
// already present.
func (s SortedKeys) Insert(k keyrange.Key) SortedKeys {
	i, ok := s.search(k)
	if ok {
		return s
	}
	s = append(s, keyrange.Key{})
	copy(s[i+1:], s[i:])
	s[i] = k
	return s
}

// Remove returns s with k removed, or s unchanged if absent.
func (s SortedKeys) Remove(k keyrange.Key) SortedKeys {
	i, ok := s.search(k)
	if !ok {
		return s
	}
	return append(s[:i], s[i+1:]...)
}

// Union returns the sorted union of a and b.
func Union(a, b SortedKeys) SortedKeys {
	out := make(SortedKeys, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		c := a[i].Compare(b[j])
		switch {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// Intersect returns the sorted intersection of a and b.
func Intersect(a, b SortedKeys) SortedKeys {
	out := make(SortedKeys, 0)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		c := a[i].Compare(b[j])
		switch {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

// Difference returns a \ b, sorted.
func Difference(a, b SortedKeys) SortedKeys {
	out := make(SortedKeys, 0, len(a))
	i, j := 0, 0
	for i < len(a) {
		if j >= len(b) {
			out = append(out, a[i:]...)
			break
		}
		c := a[i].Compare(b[j])
		switch {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			j++
		default:
			i++
			j++
		}
	}
	return out
}

func applyLimit(s SortedKeys, limit int) SortedKeys {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
