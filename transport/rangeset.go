package transport

// numRange is an inclusive-exclusive [start, end) range of packet numbers.
type numRange struct {
	start, end uint64
}

// rangeSet tracks a set of received packet numbers as a sorted list of
// disjoint, non-adjacent ranges, used to build and parse ACK frames.
type rangeSet struct {
	ranges []numRange
}

func newRangeSet() *rangeSet {
	return &rangeSet{}
}

func (s *rangeSet) empty() bool {
	return s == nil || len(s.ranges) == 0
}

// addRange merges [start, end] (inclusive) into the set.
func (s *rangeSet) addRange(start, end uint64) {
	end++ // store as exclusive upper bound internally
	for i, r := range s.ranges {
		if end < r.start {
			s.ranges = append(s.ranges, numRange{})
			copy(s.ranges[i+1:], s.ranges[i:])
			s.ranges[i] = numRange{start, end}
			return
		}
		if start > r.end {
			continue
		}
		// Overlaps or touches r: merge.
		if start < r.start {
			r.start = start
		}
		if end > r.end {
			r.end = end
		}
		s.ranges[i] = r
		s.coalesce(i)
		return
	}
	s.ranges = append(s.ranges, numRange{start, end})
}

func (s *rangeSet) coalesce(i int) {
	for i+1 < len(s.ranges) && s.ranges[i].end >= s.ranges[i+1].start {
		if s.ranges[i+1].end > s.ranges[i].end {
			s.ranges[i].end = s.ranges[i+1].end
		}
		s.ranges = append(s.ranges[:i+1], s.ranges[i+2:]...)
	}
}

func (s *rangeSet) contains(n uint64) bool {
	for _, r := range s.ranges {
		if n >= r.start && n < r.end {
			return true
		}
	}
	return false
}

// sortedDescending returns the ranges ordered from the highest packet
// number to the lowest, each as an inclusive [start, end] range, the form
// needed to build ACK frame gap/range fields.
func (s *rangeSet) sortedDescending() []numRange {
	out := make([]numRange, len(s.ranges))
	for i, r := range s.ranges {
		out[len(s.ranges)-1-i] = numRange{r.start, r.end - 1}
	}
	return out
}

// removeBelow drops any range data entirely below n, used after the peer's
// largest acknowledged packet number makes old entries unnecessary to keep.
func (s *rangeSet) removeBelow(n uint64) {
	i := 0
	for i < len(s.ranges) && s.ranges[i].end <= n {
		i++
	}
	if i > 0 {
		s.ranges = s.ranges[i:]
	}
	if len(s.ranges) > 0 && s.ranges[0].start < n {
		s.ranges[0].start = n
	}
}

// removeUntil discards entries at or below the given packet number, once
// the peer's ACK confirms it no longer needs them repeated.
func (s *rangeSet) removeUntil(n uint64) {
	if s == nil {
		return
	}
	s.removeBelow(n + 1)
}
