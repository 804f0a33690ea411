// Package ranges implements sets of chunk indices expressed as closed
// intervals.
//
// A Set is kept in canonical form: ranges are sorted by start, never
// overlap, and never touch (adjacent ranges are merged). Every function in
// this package that returns a Set returns it in canonical form, and the
// counting functions assume their input is canonical.
//
// Example:
//
//	missing := ranges.SubRanges(10, ranges.Set{{0, 3}, {6, 6}})
//	// missing == ranges.Set{{4, 5}, {7, 9}}
//	for index := range ranges.Iterate(missing) {
//	    request(index)
//	}
package ranges

import (
	"iter"
	"math"
	"sort"
)

// Range is a closed interval [Start, End] of chunk indices. It encodes to
// JSON as a two element array.
type Range [2]int

// Start returns the first index covered by the range.
func (r Range) Start() int { return r[0] }

// End returns the last index covered by the range.
func (r Range) End() int { return r[1] }

// Len returns the number of indices covered by the range.
func (r Range) Len() int {
	if r[1] < r[0] {
		return 0
	}
	if r[1]-r[0] == math.MaxInt {
		return math.MaxInt
	}
	return r[1] - r[0] + 1
}

// Set is a canonical union of ranges.
type Set []Range

// Normalize returns the canonical form of set. Inverted ranges and ranges
// with negative bounds are dropped.
func Normalize(set Set) Set {
	valid := make(Set, 0, len(set))
	for _, r := range set {
		if r[0] < 0 || r[1] < r[0] {
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return Set{}
	}

	sort.Slice(valid, func(i, j int) bool {
		if valid[i][0] == valid[j][0] {
			return valid[i][1] < valid[j][1]
		}
		return valid[i][0] < valid[j][0]
	})

	merged := Set{valid[0]}
	for _, r := range valid[1:] {
		last := &merged[len(merged)-1]
		if r[0]-1 <= last[1] {
			if r[1] > last[1] {
				last[1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// FromIndexes builds a canonical set from individual indices in any order.
// Duplicates are allowed.
func FromIndexes(indexes []int) Set {
	set := make(Set, 0, len(indexes))
	for _, index := range indexes {
		set = append(set, Range{index, index})
	}
	return Normalize(set)
}

// Union returns the canonical union of a and b.
func Union(a, b Set) Set {
	combined := make(Set, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	return Normalize(combined)
}

// SubRanges returns the complement of set within [0, total). An empty set
// yields the whole interval. Ranges reaching past total are clipped.
func SubRanges(total int, set Set) Set {
	if total <= 0 {
		return Set{}
	}
	if len(set) == 0 {
		return Set{{0, total - 1}}
	}

	result := Set{}
	next := 0
	for _, r := range Normalize(set) {
		if r[0] >= total {
			break
		}
		if r[0] > next {
			result = append(result, Range{next, r[0] - 1})
		}
		if r[1] >= total-1 {
			next = total
			break
		}
		if r[1]+1 > next {
			next = r[1] + 1
		}
	}
	if next < total {
		result = append(result, Range{next, total - 1})
	}
	return result
}

// Iterate yields every index covered by set in ascending order. The
// sequence can be ranged over any number of times.
func Iterate(set Set) iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, r := range set {
			if r[1] < r[0] {
				continue
			}
			for index := r[0]; ; index++ {
				if !yield(index) {
					return
				}
				if index == r[1] {
					break
				}
			}
		}
	}
}

// Length returns the number of indices covered by set.
func Length(set Set) int {
	total := 0
	for _, r := range set {
		total += r.Len()
	}
	return total
}

// LastIndex returns the largest index covered by set, or -1 when set is
// empty.
func LastIndex(set Set) int {
	last := -1
	for _, r := range set {
		if r.Len() > 0 && r[1] > last {
			last = r[1]
		}
	}
	return last
}

// Contains reports whether index is covered by set.
func Contains(set Set, index int) bool {
	i := sort.Search(len(set), func(i int) bool { return set[i][1] >= index })
	return i < len(set) && set[i][0] <= index
}
