// Package lockmgr implements strict two-phase byte-range locking over
// (file handle, transaction) pairs (spec §4.3).
//
// Per the design notes (spec §9), the lock table is an arena of lock
// entries indexed by stable integer handles rather than a graph of
// pointers: a per-file chain and a per-transaction chain are both
// Option[int] linked lists over the same backing slice, which keeps
// removal O(1) and sidesteps aliasing.
package lockmgr

import (
	"math"
	"sync"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// MaxOffset is the largest representable end-of-range offset; requests
// are clamped to it (spec §8 boundary behaviour).
const MaxOffset = math.MaxInt64

// Decision is the outcome of a lock request.
type Decision int

const (
	Grant Decision = iota
	Deny
)

type lockEntry struct {
	inUse   bool
	trans   transid.ID
	fh      fhandle.Handle
	start   int64
	stop    int64 // inclusive
	kind    wire.LockKind
	fnext   int // next entry in this file's chain, -1 if none
	fprev   int
	tnext   int // next entry in this transaction's chain (same kind), -1 if none
	tprev   int
}

// Manager is the lock manager. It is not internally synchronized beyond a
// coarse mutex: the dispatcher is single-threaded per spec §5, but the
// mutex lets tests and the optional metrics sampler read table sizes
// concurrently without racing the dispatcher goroutine.
type Manager struct {
	mu sync.Mutex

	entries []lockEntry
	free    []int // free-list of entries ready for reuse

	// fileHead: head of the start-sorted lock chain for a file,
	// keyed by FHandle.
	fileHead map[fhandle.Handle]int

	// transHead[kind]: per-transaction chain of locks of that kind.
	transHeadRead  map[transid.ID]int
	transHeadWrite map[transid.ID]int
}

// New builds an empty lock manager.
func New() *Manager {
	return &Manager{
		fileHead:       make(map[fhandle.Handle]int),
		transHeadRead:  make(map[transid.ID]int),
		transHeadWrite: make(map[transid.ID]int),
	}
}

func clampRange(offset, nbyte int64) (start, stop int64) {
	start = offset
	stop = offset + nbyte - 1
	if stop > MaxOffset || stop < start {
		stop = MaxOffset
	}
	return start, stop
}

func compatible(a, b wire.LockKind) bool {
	return a == wire.Read && b == wire.Read
}

func overlaps(aStart, aStop, bStart, bStop int64) bool {
	return aStart <= bStop && bStart <= aStop
}

// RLock requests a read lock on [offset, offset+nbyte) of fh for trans.
func (m *Manager) RLock(trans transid.ID, fh fhandle.Handle, offset, nbyte int64) Decision {
	return m.lock(trans, fh, offset, nbyte, wire.Read)
}

// WLock requests a write lock on [offset, offset+nbyte) of fh for trans.
func (m *Manager) WLock(trans transid.ID, fh fhandle.Handle, offset, nbyte int64) Decision {
	return m.lock(trans, fh, offset, nbyte, wire.Write)
}

func (m *Manager) lock(trans transid.ID, fh fhandle.Handle, offset, nbyte int64, kind wire.LockKind) Decision {
	if nbyte == 0 {
		// Zero-length request: trivially granted, no state change
		// (spec §8 boundary behaviour).
		return Grant
	}
	start, stop := clampRange(offset, nbyte)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Invariant L1: any overlapping record must either both be Read, or
	// belong to the same transaction. The per-file chain is sorted by
	// start, so scanning stops once a record's start exceeds our stop.
	for idx := m.fileHead[fh]; idx != -1; idx = m.entries[idx].fnext {
		e := &m.entries[idx]
		if e.start > stop {
			break
		}
		if !overlaps(start, stop, e.start, e.stop) {
			continue
		}
		if e.trans == trans {
			// Our own locks never conflict with us, whatever their kind
			// or extent; the request is still recorded below as a new
			// entry, since existing coverage is not detected.
			continue
		}
		if !compatible(kind, e.kind) {
			return Deny
		}
	}

	m.insert(trans, fh, start, stop, kind)
	return Grant
}

// insert never partially applies: both the file chain and the
// transaction chain are updated together, or not at all (failure
// semantics of spec §4.3 apply to lock(), which only calls insert after
// the grant decision is final).
func (m *Manager) insert(trans transid.ID, fh fhandle.Handle, start, stop int64, kind wire.LockKind) {
	idx := m.alloc()
	e := &m.entries[idx]
	*e = lockEntry{
		inUse: true,
		trans: trans,
		fh:    fh,
		start: start,
		stop:  stop,
		kind:  kind,
		fnext: -1,
		fprev: -1,
		tnext: -1,
		tprev: -1,
	}

	// Insert into the file chain keeping start-sorted order.
	prev := -1
	cur := m.fileHeadOrInit(fh)
	for cur != -1 && m.entries[cur].start <= start {
		prev = cur
		cur = m.entries[cur].fnext
	}
	e.fnext = cur
	e.fprev = prev
	if cur != -1 {
		m.entries[cur].fprev = idx
	}
	if prev != -1 {
		m.entries[prev].fnext = idx
	} else {
		m.fileHead[fh] = idx
	}

	// Insert into this transaction's kind-specific chain (order doesn't
	// matter there; O(locks-held) free just needs a flat list).
	thead := m.transHead(trans, kind)
	e.tnext = thead
	e.tprev = -1
	if thead != -1 {
		m.entries[thead].tprev = idx
	}
	m.setTransHead(trans, kind, idx)
}

func (m *Manager) fileHeadOrInit(fh fhandle.Handle) int {
	if h, ok := m.fileHead[fh]; ok {
		return h
	}
	m.fileHead[fh] = -1
	return -1
}

func (m *Manager) transHead(trans transid.ID, kind wire.LockKind) int {
	if kind == wire.Read {
		if h, ok := m.transHeadRead[trans]; ok {
			return h
		}
		return -1
	}
	if h, ok := m.transHeadWrite[trans]; ok {
		return h
	}
	return -1
}

func (m *Manager) setTransHead(trans transid.ID, kind wire.LockKind, idx int) {
	if kind == wire.Read {
		m.transHeadRead[trans] = idx
	} else {
		m.transHeadWrite[trans] = idx
	}
}

func (m *Manager) alloc() int {
	if n := len(m.free); n > 0 {
		idx := m.free[n-1]
		m.free = m.free[:n-1]
		return idx
	}
	m.entries = append(m.entries, lockEntry{})
	return len(m.entries) - 1
}

func (m *Manager) release(idx int) {
	e := &m.entries[idx]
	// Unlink from file chain.
	if e.fprev != -1 {
		m.entries[e.fprev].fnext = e.fnext
	} else {
		m.fileHead[e.fh] = e.fnext
	}
	if e.fnext != -1 {
		m.entries[e.fnext].fprev = e.fprev
	}
	// Unlink from transaction chain.
	if e.tprev != -1 {
		m.entries[e.tprev].tnext = e.tnext
	} else {
		m.setTransHead(e.trans, e.kind, e.tnext)
	}
	if e.tnext != -1 {
		m.entries[e.tnext].tprev = e.tprev
	}

	*e = lockEntry{}
	m.free = append(m.free, idx)
}

// RFree releases every read lock held by trans (called at prepare time,
// spec invariant I2).
func (m *Manager) RFree(trans transid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeChain(trans, wire.Read)
	delete(m.transHeadRead, trans)
}

// WFree releases every write lock held by trans (called at commit/abort).
func (m *Manager) WFree(trans transid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeChain(trans, wire.Write)
	delete(m.transHeadWrite, trans)
}

func (m *Manager) freeChain(trans transid.ID, kind wire.LockKind) {
	idx := m.transHead(trans, kind)
	for idx != -1 {
		next := m.entries[idx].tnext
		m.release(idx)
		idx = next
	}
}

// HoldsWrite reports whether trans holds any write lock.
func (m *Manager) HoldsWrite(trans transid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transHead(trans, wire.Write) != -1
}

// ClampRange exposes the offset/count clamping rule (spec §8 boundary
// behaviour) so the dispatcher's FIFO fairness predicate applies the
// same clamp before comparing ranges.
func ClampRange(offset, nbyte int64) (start, stop int64) {
	return clampRange(offset, nbyte)
}

// Compatible reports whether two lock kinds may overlap without
// conflict (both Read).
func Compatible(a, b wire.LockKind) bool { return compatible(a, b) }

// Overlaps reports whether byte ranges [aStart,aStop] and [bStart,bStop]
// (both inclusive) intersect.
func Overlaps(aStart, aStop, bStart, bStop int64) bool {
	return overlaps(aStart, aStop, bStart, bStop)
}
