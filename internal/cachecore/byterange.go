package cachecore

import "sort"

// ByteRange is an inclusive-exclusive [Start, End) span of bytes.
type ByteRange struct {
	Start uint64
	End   uint64
}

func (r ByteRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// ByteRangeSet tracks the union of byte ranges recorded for a single cache
// entry. Unlike a chunk-index set, it merges at byte granularity so that
// ranges produced by partial re-fetches or corruption-retry invalidation
// (which need not align to chunk boundaries) are represented exactly, per
// the availability-by-byte-range requirement this system is built against.
// Not safe for concurrent use without an external lock; callers (the
// repository implementations) serialize access themselves.
type ByteRangeSet struct {
	ranges []ByteRange // sorted, non-overlapping, non-adjacent
}

// NewByteRangeSet returns an empty set.
func NewByteRangeSet() *ByteRangeSet {
	return &ByteRangeSet{}
}

// Add merges [start, end) into the set and returns the number of
// previously-unrecorded bytes it contributed. Writing the same range twice
// is idempotent: the second call returns 0 added bytes and leaves the set
// unchanged.
func (s *ByteRangeSet) Add(start, end uint64) uint64 {
	if end <= start {
		return 0
	}
	before := s.TotalBytes()
	r := ByteRange{Start: start, End: end}

	idx := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= r.Start })
	merged := r
	insertAt := idx
	removeTo := idx
	for removeTo < len(s.ranges) && s.ranges[removeTo].Start <= merged.End {
		if s.ranges[removeTo].Start < merged.Start {
			merged.Start = s.ranges[removeTo].Start
		}
		if s.ranges[removeTo].End > merged.End {
			merged.End = s.ranges[removeTo].End
		}
		removeTo++
	}

	newRanges := make([]ByteRange, 0, len(s.ranges)-(removeTo-insertAt)+1)
	newRanges = append(newRanges, s.ranges[:insertAt]...)
	newRanges = append(newRanges, merged)
	newRanges = append(newRanges, s.ranges[removeTo:]...)
	s.ranges = newRanges

	return s.TotalBytes() - before
}

// Remove deletes [start, end) from the set, splitting or truncating any
// overlapping range. Used by corruption recovery (retry_range) to
// invalidate a byte span before it is re-fetched.
func (s *ByteRangeSet) Remove(start, end uint64) {
	if end <= start || len(s.ranges) == 0 {
		return
	}
	var out []ByteRange
	for _, r := range s.ranges {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, ByteRange{Start: r.Start, End: start})
		}
		if r.End > end {
			out = append(out, ByteRange{Start: end, End: r.End})
		}
	}
	s.ranges = out
}

// ContainsRange reports whether [start, end) is fully covered by the union
// of recorded ranges. An empty range is trivially contained.
func (s *ByteRangeSet) ContainsRange(start, end uint64) bool {
	if end <= start {
		return true
	}
	for _, r := range s.ranges {
		if r.Start <= start && r.End >= end {
			return true
		}
	}
	// A request may span multiple adjacent merged ranges only if the set
	// failed to coalesce them, which Add never allows; a single covering
	// range is therefore necessary and sufficient.
	return false
}

// GetMissingRanges returns the sub-ranges of [start, end) that are not yet
// covered, in ascending order. Returns nil if the entire range is covered.
func (s *ByteRangeSet) GetMissingRanges(start, end uint64) []ByteRange {
	if end <= start {
		return nil
	}
	var missing []ByteRange
	cursor := start
	for _, r := range s.ranges {
		if r.End <= cursor {
			continue
		}
		if r.Start >= end {
			break
		}
		if r.Start > cursor {
			missing = append(missing, ByteRange{Start: cursor, End: min64(r.Start, end)})
		}
		if r.End > cursor {
			cursor = r.End
		}
		if cursor >= end {
			break
		}
	}
	if cursor < end {
		missing = append(missing, ByteRange{Start: cursor, End: end})
	}
	return missing
}

// TotalBytes returns the sum of the (non-overlapping) recorded ranges.
func (s *ByteRangeSet) TotalBytes() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += r.Len()
	}
	return total
}

// Ranges returns the sorted, merged ranges currently recorded. The caller
// must not mutate the returned slice.
func (s *ByteRangeSet) Ranges() []ByteRange {
	return s.ranges
}

// Clear empties the set.
func (s *ByteRangeSet) Clear() {
	s.ranges = nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
