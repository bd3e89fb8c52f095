package sourceset

import (
	"net"
)

// slotState distinguishes an empty slot (never used — probing can stop
// at it), a tombstone (deleted — probing must continue through it),
// and an occupied slot, per spec.md §4.4's open-addressed hash table.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotTombstone
	slotOccupied
)

type slot struct {
	state slotState
	key   string // net.IP.String()
	unit  *Unit
}

// hashTable is an open-addressed table of *Unit keyed by resolved IP
// address, using triangular-number probing (i*(i+1)/2) to spread
// collisions, grounded on original_source/ntp_sources.c's hash table
// (the original uses a fixed modulus and linear rehash-on-collision;
// spec.md §4.4 generalizes this to grow on demand rather than panic at
// a hard-coded capacity).
type hashTable struct {
	slots    []slot
	count    int
	deleted  int
}

const (
	initialTableSize = 16
	maxLoadFactor    = 0.6
)

func newHashTable() *hashTable {
	return &hashTable{slots: make([]slot, initialTableSize)}
}

func hashIP(ip net.IP, mod int) int {
	var h uint32 = 2166136261
	for _, b := range ip {
		h ^= uint32(b)
		h *= 16777619
	}
	return int(h) % mod
}

// probe returns the slot index for key after i triangular-probing
// steps over a table of the given size.
func probe(h, i, size int) int {
	idx := (h + i*(i+1)/2) % size
	if idx < 0 {
		idx += size
	}
	return idx
}

func (t *hashTable) find(ip net.IP) (*Unit, bool) {
	key := ip.String()
	size := len(t.slots)
	h := hashIP(ip, size)
	for i := 0; i < size; i++ {
		idx := probe(h, i, size)
		s := &t.slots[idx]
		if s.state == slotEmpty {
			return nil, false
		}
		if s.state == slotOccupied && s.key == key {
			return s.unit, true
		}
	}
	return nil, false
}

func (t *hashTable) insert(ip net.IP, unit *Unit) {
	if float64(t.count+t.deleted+1) > maxLoadFactor*float64(len(t.slots)) {
		t.grow()
	}
	key := ip.String()
	size := len(t.slots)
	h := hashIP(ip, size)
	firstTombstone := -1
	for i := 0; i < size; i++ {
		idx := probe(h, i, size)
		s := &t.slots[idx]
		if s.state == slotOccupied && s.key == key {
			s.unit = unit
			return
		}
		if s.state == slotTombstone && firstTombstone < 0 {
			firstTombstone = idx
			continue
		}
		if s.state == slotEmpty {
			target := idx
			if firstTombstone >= 0 {
				target = firstTombstone
				t.deleted--
			}
			t.slots[target] = slot{state: slotOccupied, key: key, unit: unit}
			t.count++
			return
		}
	}
	// Table is somehow full of tombstones/occupied with no match; grow
	// and retry once.
	t.grow()
	t.insert(ip, unit)
}

func (t *hashTable) delete(ip net.IP) {
	key := ip.String()
	size := len(t.slots)
	h := hashIP(ip, size)
	for i := 0; i < size; i++ {
		idx := probe(h, i, size)
		s := &t.slots[idx]
		if s.state == slotEmpty {
			return
		}
		if s.state == slotOccupied && s.key == key {
			t.slots[idx] = slot{state: slotTombstone}
			t.count--
			t.deleted++
			return
		}
	}
}

func (t *hashTable) grow() {
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.count = 0
	t.deleted = 0
	for _, s := range old {
		if s.state == slotOccupied {
			t.insert(net.ParseIP(s.key), s.unit)
		}
	}
}

func (t *hashTable) all() []*Unit {
	out := make([]*Unit, 0, t.count)
	for _, s := range t.slots {
		if s.state == slotOccupied {
			out = append(out, s.unit)
		}
	}
	return out
}
