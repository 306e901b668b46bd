package event

import "github.com/openlcb-go/lcc"

// EncodeRange packs a base event id and a power-of-two run length into
// the OpenLCB event-range wire encoding: the low bits of the event id
// are forced to all-1s, and their count (trailing ones) communicates
// the range size to the receiver. count must be a power of two; it is
// rounded up to the next one otherwise.
func EncodeRange(base lcc.EventID, count uint64) lcc.EventID {
	if count == 0 {
		count = 1
	}
	count = nextPowerOfTwo(count)
	mask := count - 1
	return lcc.EventID(uint64(base)&^mask | mask)
}

// DecodeRange unpacks a range-encoded event id into its base (low bits
// cleared) and the number of events it covers.
func DecodeRange(id lcc.EventID) (base lcc.EventID, count uint64) {
	n := trailingOnes(uint64(id))
	count = uint64(1) << n
	base = lcc.EventID(uint64(id) &^ (count - 1))
	return
}

func trailingOnes(v uint64) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

func nextPowerOfTwo(v uint64) uint64 {
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}

// Range is one registered (base, count) span of event ids.
type Range struct {
	Base  lcc.EventID
	Count uint64
}

// Contains reports whether ev falls within r.
func (r Range) Contains(ev lcc.EventID) bool {
	return uint64(ev) >= uint64(r.Base) && uint64(ev) < uint64(r.Base)+r.Count
}

// RangeTable holds the peer event ranges this node has learned about
// via Producer/Consumer Range Identified messages (spec.md §4.9).
type RangeTable struct {
	ranges []Range
}

// NewRangeTable creates an empty range table.
func NewRangeTable() *RangeTable {
	return &RangeTable{}
}

// Add registers (or re-confirms) a range described by its wire-encoded
// event id.
func (t *RangeTable) Add(encoded lcc.EventID) {
	base, count := DecodeRange(encoded)
	for _, r := range t.ranges {
		if r.Base == base && r.Count == count {
			return
		}
	}
	t.ranges = append(t.ranges, Range{Base: base, Count: count})
}

// Contains reports whether any registered range covers ev.
func (t *RangeTable) Contains(ev lcc.EventID) bool {
	for _, r := range t.ranges {
		if r.Contains(ev) {
			return true
		}
	}
	return false
}

// Len returns the number of distinct ranges registered.
func (t *RangeTable) Len() int { return len(t.ranges) }
