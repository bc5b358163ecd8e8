// Package cache implements the segmented-LRU block cache with the dual
// write policy described in spec §3 and §4.2: a fixed array of CACHE_SZ
// block-size slots, split into a Protected segment (promoted-on-hit) and
// a Probationary segment (miss fills, eviction source).
//
// Per the design notes (spec §9) the cache is an arena of fixed slots
// addressed by stable index, with two independent doubly-linked lists
// (Protected, Probationary) threaded through shared next/prev fields —
// functionally equivalent to the single physical ring the original C
// implementation used for memory-locality reasons, but without aliasing
// pointers. A Go map replaces the hand-rolled block-key and file-handle
// hash chains (invariant C1): entries are added/removed from the map
// exactly when a slot becomes valid/invalid, so the map is never out of
// sync with slot validity.
package cache

import (
	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// Backing is the stable storage manager's block I/O contract, as seen by
// the cache manager. CM.read/write decompose into calls against this.
type Backing interface {
	Read(fh fhandle.Handle, offset int64, buf []byte) (n int, err wire.Errno)
	Write(fh fhandle.Handle, offset int64, data []byte, mode wire.FaultMode) wire.Errno
}

type segment int

const (
	probationary segment = iota
	protected
)

type slot struct {
	valid      bool
	dirty      bool
	segment    segment
	faultMode  wire.FaultMode
	fh         fhandle.Handle
	blockNum   int64
	validBytes int
	data       []byte

	next, prev int // list membership, -1 terminated
}

type blockKey struct {
	fh  fhandle.Handle
	blk int64
}

// Manager is the cache manager.
type Manager struct {
	dblkSize int
	backing  Backing

	slots []slot
	free  []int // slots never yet used

	index map[blockKey]int // valid slots only (invariant C1)

	protMRU, protLRU int
	probMRU, probLRU int
	protCount        int
	protCap          int

	hits, misses, evictions int64
}

// New builds a cache of cacheSz blocks of dblkSize bytes each, backed by
// ss. cacheSz must be >= 2 for the Protected/Probationary split to have
// room on both sides (spec §3).
func New(cacheSz, dblkSize int, ss Backing) *Manager {
	if cacheSz < 2 {
		cacheSz = 2
	}
	cap := int(float64(cacheSz) * 0.70)
	if cap < 1 {
		cap = 1
	}
	if cap > cacheSz-1 {
		cap = cacheSz - 1
	}

	m := &Manager{
		dblkSize: dblkSize,
		backing:  ss,
		slots:    make([]slot, cacheSz),
		index:    make(map[blockKey]int, cacheSz),
		protMRU:  -1, protLRU: -1,
		probMRU: -1, probLRU: -1,
		protCap: cap,
	}
	m.free = make([]int, cacheSz)
	for i := range m.free {
		m.free[i] = cacheSz - 1 - i
	}
	return m
}

// --- linked-list primitives -------------------------------------------------

func (m *Manager) unlink(i int) {
	s := &m.slots[i]
	var mru, lru *int
	if s.segment == protected {
		mru, lru = &m.protMRU, &m.protLRU
	} else {
		mru, lru = &m.probMRU, &m.probLRU
	}
	if s.prev != -1 {
		m.slots[s.prev].next = s.next
	} else {
		*mru = s.next
	}
	if s.next != -1 {
		m.slots[s.next].prev = s.prev
	} else {
		*lru = s.prev
	}
	s.next, s.prev = -1, -1
}

// pushMRU inserts slot i as the new MRU of its (possibly just-changed)
// segment.
func (m *Manager) pushMRU(i int) {
	s := &m.slots[i]
	var mru *int
	if s.segment == protected {
		mru = &m.protMRU
	} else {
		mru = &m.probMRU
	}
	s.prev = -1
	s.next = *mru
	if *mru != -1 {
		m.slots[*mru].prev = i
	} else {
		if s.segment == protected {
			m.protLRU = i
		} else {
			m.probLRU = i
		}
	}
	*mru = i
}

// promote moves slot i to MRU-of-Protected, demoting the current
// LRU-of-Protected to MRU-of-Probationary if that overflows the
// Protected segment's capacity (spec §4.2: "a hit promotes to
// MRU-of-Protected").
func (m *Manager) promote(i int) {
	s := &m.slots[i]
	if s.valid {
		m.unlink(i)
		if s.segment == protected {
			m.protCount--
		}
	}
	s.segment = protected
	m.pushMRU(i)
	m.protCount++

	if m.protCount > m.protCap && m.protLRU != i {
		demoted := m.protLRU
		m.unlink(demoted)
		m.slots[demoted].segment = probationary
		m.pushMRU(demoted)
		m.protCount--
	}
}

// fillProbationary inserts slot i, freshly filled from a miss, at
// MRU-of-Probationary (spec §4.2: "a miss fill goes to
// MRU-of-Probationary").
func (m *Manager) fillProbationary(i int) {
	s := &m.slots[i]
	if s.valid {
		m.unlink(i)
		if s.segment == protected {
			m.protCount--
		}
	}
	s.segment = probationary
	m.pushMRU(i)
}

// --- slot acquisition --------------------------------------------------

func (m *Manager) key(i int) blockKey {
	return blockKey{fh: m.slots[i].fh, blk: m.slots[i].blockNum}
}

// acquire returns an index to use for a brand-new (fh, blockNum) fill,
// evicting from the Probationary LRU if no free slot remains. Returns
// ok=false (recover_required, spec §4.2 eviction) if no slot can be
// freed.
func (m *Manager) acquire() (idx int, ok bool) {
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
		return idx, true
	}

	for cand := m.probLRU; cand != -1; cand = m.slots[cand].prev {
		s := &m.slots[cand]
		if !s.dirty {
			delete(m.index, m.key(cand))
			m.evictions++
			return cand, true
		}
		if m.flushSlot(cand) == wire.OK {
			delete(m.index, m.key(cand))
			m.evictions++
			return cand, true
		}
	}
	return 0, false
}

func (m *Manager) flushSlot(i int) wire.Errno {
	s := &m.slots[i]
	if !s.dirty {
		return wire.OK
	}
	if s.faultMode == wire.Stable {
		if err := m.backing.Write(s.fh, s.blockNum*int64(m.dblkSize), s.data[:s.validBytes], wire.Stable); err != wire.OK {
			return err
		}
	}
	s.dirty = false
	return wire.OK
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
