// Package rangeset implements a compact set of uint64 values stored as
// sorted, non-overlapping, non-adjacent closed intervals.
//
// It is the currency of synchronization: each side summarizes which logical
// clocks of a process it holds, and the difference of two summaries is the
// work left to transfer.
package rangeset

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/polycentric/internal/wire"
)

// Range is the closed interval [Low, High].
type Range struct {
	Low  uint64
	High uint64
}

// Set is a set of uint64 values. The zero value is an empty set.
// Copies of a Set share storage; Clone before calling Insert on a copy.
//
// Invariant: ranges are sorted by Low, every Low <= High, and consecutive
// ranges are separated by at least one missing value.
type Set struct {
	ranges []Range
}

// New builds a set from arbitrary, possibly overlapping ranges. Ranges with
// Low > High are ignored.
func New(ranges ...Range) Set {
	valid := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Low <= r.High {
			valid = append(valid, r)
		}
	}
	return Set{ranges: normalize(valid)}
}

// Of builds a set from individual values.
func Of(values ...uint64) Set {
	var s Set
	for _, v := range values {
		s.Insert(v)
	}
	return s
}

// Ranges returns a copy of the intervals in ascending order.
func (s Set) Ranges() []Range {
	return slices.Clone(s.ranges)
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	return Set{ranges: slices.Clone(s.ranges)}
}

// IsEmpty reports whether s holds no values.
func (s Set) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Len returns the number of values in s, saturating at MaxUint64.
func (s Set) Len() uint64 {
	var n uint64
	for _, r := range s.ranges {
		width := r.High - r.Low + 1
		if width == 0 || n+width < n {
			return ^uint64(0)
		}
		n += width
	}
	return n
}

// search returns the index of the first range whose High >= v.
func (s Set) search(v uint64) int {
	i, _ := slices.BinarySearchFunc(s.ranges, v, func(r Range, v uint64) int {
		if r.High < v {
			return -1
		}
		return 1
	})
	return i
}

// Contains reports whether v is in s.
func (s Set) Contains(v uint64) bool {
	i := s.search(v)
	return i < len(s.ranges) && s.ranges[i].Low <= v
}

// Insert adds v to s and reports whether it was absent.
func (s *Set) Insert(v uint64) bool {
	i := s.search(v)
	if i < len(s.ranges) && s.ranges[i].Low <= v {
		return false
	}

	extendsPrev := i > 0 && v != 0 && s.ranges[i-1].High == v-1
	extendsNext := i < len(s.ranges) && v != ^uint64(0) && s.ranges[i].Low == v+1

	switch {
	case extendsPrev && extendsNext:
		s.ranges[i-1].High = s.ranges[i].High
		s.ranges = slices.Delete(s.ranges, i, i+1)
	case extendsPrev:
		s.ranges[i-1].High = v
	case extendsNext:
		s.ranges[i].Low = v
	default:
		s.ranges = slices.Insert(s.ranges, i, Range{Low: v, High: v})
	}
	return true
}

// Union returns the values in s or o.
func (s Set) Union(o Set) Set {
	all := make([]Range, 0, len(s.ranges)+len(o.ranges))
	all = append(all, s.ranges...)
	all = append(all, o.ranges...)
	return Set{ranges: normalize(all)}
}

// normalize sorts rs in place and merges overlapping and adjacent ranges
// in one pass.
func normalize(rs []Range) []Range {
	slices.SortFunc(rs, func(a, b Range) int {
		return cmp.Compare(a.Low, b.Low)
	})

	var out []Range
	for _, r := range rs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.High == ^uint64(0) || r.Low <= last.High+1 {
				last.High = max(last.High, r.High)
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// Difference returns the values in s that are not in o.
func (s Set) Difference(o Set) Set {
	var out []Range
	j := 0
	for _, r := range s.ranges {
		for j < len(o.ranges) && o.ranges[j].High < r.Low {
			j++
		}
		low, covered := r.Low, false
		for k := j; k < len(o.ranges) && o.ranges[k].Low <= r.High; k++ {
			sub := o.ranges[k]
			if sub.Low > low {
				out = append(out, Range{Low: low, High: sub.Low - 1})
			}
			if sub.High >= r.High {
				covered = true
				break
			}
			low = sub.High + 1
		}
		if !covered {
			out = append(out, Range{Low: low, High: r.High})
		}
	}
	return Set{ranges: out}
}

// Take returns the first n values of s as a set.
func (s Set) Take(n uint64) Set {
	var out []Range
	for _, r := range s.ranges {
		if n == 0 {
			break
		}
		width := r.High - r.Low
		if width < n {
			out = append(out, r)
			n -= width + 1
			continue
		}
		out = append(out, Range{Low: r.Low, High: r.Low + n - 1})
		n = 0
	}
	return Set{ranges: out}
}

// Values calls yield for every value in ascending order until yield
// returns false.
func (s Set) Values(yield func(uint64) bool) {
	for _, r := range s.ranges {
		for v := r.Low; ; v++ {
			if !yield(v) {
				return
			}
			if v == r.High {
				break
			}
		}
	}
}

// ContiguousFrom returns the first value >= start that is not in s.
func (s Set) ContiguousFrom(start uint64) uint64 {
	i := s.search(start)
	if i < len(s.ranges) && s.ranges[i].Low <= start {
		return s.ranges[i].High + 1
	}
	return start
}

// Equal reports whether s and o hold the same values.
func (s Set) Equal(o Set) bool {
	return slices.Equal(s.ranges, o.ranges)
}

func (s Set) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		if r.Low == r.High {
			parts[i] = fmt.Sprintf("%d", r.Low)
		} else {
			parts[i] = fmt.Sprintf("%d-%d", r.Low, r.High)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Marshal returns the wire form of s: one embedded Range message per
// interval.
func (s Set) Marshal() []byte {
	var b []byte
	for _, r := range s.ranges {
		var m []byte
		m = wire.AppendUint(m, 1, r.Low)
		m = wire.AppendUint(m, 2, r.High)
		b = wire.AppendMessage(b, 1, m)
	}
	return b
}

// Unmarshal decodes the wire form of a set. Untrusted input is normalized,
// so overlapping or unsorted ranges from a peer are merged rather than
// rejected.
func Unmarshal(b []byte) (Set, error) {
	var ranges []Range
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		raw, err := f.Raw()
		if err != nil {
			return err
		}
		var r Range
		err = wire.Walk(raw, func(f wire.Field) error {
			switch f.Num {
			case 1:
				v, err := f.Uint()
				r.Low = v
				return err
			case 2:
				v, err := f.Uint()
				r.High = v
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		if r.Low > r.High {
			return fmt.Errorf("%w: range low %d > high %d", wire.ErrMalformed, r.Low, r.High)
		}
		ranges = append(ranges, r)
		return nil
	})
	if err != nil {
		return Set{}, fmt.Errorf("decode range set: %w", err)
	}
	return New(ranges...), nil
}
