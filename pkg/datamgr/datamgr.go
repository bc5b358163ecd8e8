// Package datamgr implements the data manager: per-transaction write
// buffering, read-your-own-writes overlay, and the two-phase commit
// prepare/commit/abort sequence described in spec §4.4.
//
// The data manager never touches the lock manager. Byte-range locking is
// the dispatcher's job, done before a write is ever handed to DM.Write;
// by the time DM sees an operation the dispatcher has already decided it
// may run.
package datamgr

import (
	"sync"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// Cache is the cache manager's subset of Manager that DM reads/writes
// through. Kept as a narrow interface, like recovery.LogStore, so DM's
// tests run against a fake rather than a real cache.Manager.
type Cache interface {
	Read(fh fhandle.Handle, offset int64, n int, buf []byte) (int, wire.Errno)
	Write(fh fhandle.Handle, offset int64, n int, buf []byte, mode wire.FaultMode) wire.Errno
}

// Log is the recovery manager's subset DM drives at prepare/commit/abort.
type Log interface {
	Log(trans transid.ID, writes []recovery.WriteRecord) (lhandle int64, code wire.Errno)
	State(lhandle int64, state recovery.State) wire.Errno
}

type writeBuf struct {
	fh     fhandle.Handle
	offset int64
	data   []byte // ownership transferred from the caller at Write time
}

type entry struct {
	writes    []writeBuf
	prepared  bool
	logHandle int64
}

// Manager is the data manager: a hash table of per-transaction write-buffer
// lists keyed by TransId (spec §4.4).
type Manager struct {
	mu sync.Mutex

	cache Cache
	log   Log

	entries map[transid.ID]*entry
}

func New(cache Cache, log Log) *Manager {
	return &Manager{cache: cache, log: log, entries: make(map[transid.ID]*entry)}
}

// Read implements DM_read: read the cache, then overlay the transaction's
// own still-unflushed writes on top in the order they arrived, so a
// transaction always observes its own writes regardless of commit state.
// A write past the real end of file is visible as a zero-filled hole
// followed by the written bytes (spec §4.4, §8 boundary behaviour).
func (m *Manager) Read(tid transid.ID, fh fhandle.Handle, offset int64, n int, buf []byte) (int, wire.Errno) {
	if n == 0 {
		return 0, wire.OK
	}

	m.mu.Lock()
	e, hasEntry := m.entries[tid]
	if hasEntry && e.prepared {
		m.mu.Unlock()
		return 0, wire.EPROTO
	}
	var writes []writeBuf
	if hasEntry {
		writes = e.writes
	}
	m.mu.Unlock()

	got, code := m.cache.Read(fh, offset, n, buf)
	if code != wire.OK {
		return got, code
	}
	for i := got; i < n; i++ {
		buf[i] = 0
	}

	total := got
	rStart, rEnd := offset, offset+int64(n)
	for _, w := range writes {
		if w.fh != fh {
			continue
		}
		wStart, wEnd := w.offset, w.offset+int64(len(w.data))
		lo, hi := maxI64(wStart, rStart), minI64(wEnd, rEnd)
		if lo >= hi {
			continue
		}
		dstOff := lo - rStart
		srcOff := lo - wStart
		copy(buf[dstOff:dstOff+(hi-lo)], w.data[srcOff:srcOff+(hi-lo)])
		if extent := int(hi - rStart); extent > total {
			total = extent
		}
	}
	return total, wire.OK
}

// Write implements DM_write: validate and append a buffer to the
// transaction's list. The payload is not copied; DM owns it until commit,
// abort, or a read-only prepare releases it (spec §4.4).
func (m *Manager) Write(tid transid.ID, fh fhandle.Handle, offset int64, data []byte) wire.Errno {
	if len(data) == 0 {
		return wire.OK
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[tid]
	if !ok {
		e = &entry{}
		m.entries[tid] = e
	}
	if e.prepared {
		return wire.EPROTO
	}
	e.writes = append(e.writes, writeBuf{fh: fh, offset: offset, data: data})
	return wire.OK
}

// HasWrites reports whether tid has any buffered write. The dispatcher
// does not call it: it clears a transaction-table entry's read_only bit
// itself when a Write returns OK.
func (m *Manager) HasWrites(tid transid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tid]
	return ok && len(e.writes) > 0
}

// Prepare implements DM_prepare (spec §4.4): a transaction with no writes
// votes READONLY and its state is discarded immediately (the 2PC
// read-only optimisation, spec §4.4, P4, S6). Otherwise its intentions
// list is logged and fsynced before the transaction is marked prepared;
// a logging failure aborts the transaction locally and the failure code
// is returned so the dispatcher can report it.
func (m *Manager) Prepare(tid transid.ID) wire.Errno {
	m.mu.Lock()
	e, ok := m.entries[tid]
	if !ok || len(e.writes) == 0 {
		delete(m.entries, tid)
		m.mu.Unlock()
		return wire.READONLY
	}
	writes := make([]recovery.WriteRecord, len(e.writes))
	for i, w := range e.writes {
		writes[i] = recovery.WriteRecord{FH: w.fh, Offset: w.offset, Data: w.data}
	}
	m.mu.Unlock()

	lhandle, code := m.log.Log(tid, writes)
	if code != wire.OK {
		m.mu.Lock()
		delete(m.entries, tid)
		m.mu.Unlock()
		return code
	}

	m.mu.Lock()
	e, ok = m.entries[tid]
	if !ok {
		m.mu.Unlock()
		return wire.EABORT
	}
	e.prepared = true
	e.logHandle = lhandle
	m.mu.Unlock()
	return wire.OK
}

// Commit implements DM_commit (spec §4.4). If the transaction reached
// prepare, the terminal Commit state record is written and fsynced
// before any buffered write is applied, with fault mode Stable; an
// un-prepared (1PC, never-blocked) transaction's writes are applied
// Volatile instead. A cache failure once the commit decision is durably
// logged is reported as ERECOV — the commit itself has already happened.
func (m *Manager) Commit(tid transid.ID) wire.Errno {
	m.mu.Lock()
	e, ok := m.entries[tid]
	if !ok {
		m.mu.Unlock()
		return wire.ENOTLOG
	}
	writes := append([]writeBuf(nil), e.writes...)
	prepared := e.prepared
	lhandle := e.logHandle
	m.mu.Unlock()

	mode := wire.Volatile
	if prepared {
		if code := m.log.State(lhandle, recovery.StateCommit); code != wire.OK {
			return code
		}
		mode = wire.Stable
	}

	failed := false
	for _, w := range writes {
		if code := m.cache.Write(w.fh, w.offset, len(w.data), w.data, mode); code != wire.OK {
			failed = true
			break
		}
	}

	m.mu.Lock()
	delete(m.entries, tid)
	m.mu.Unlock()

	if failed {
		return wire.ERECOV
	}
	return wire.OK
}

// Abort implements DM_abort (spec §4.4): log an Abort terminal record if
// the transaction had reached prepare, then discard all buffered state
// unconditionally.
func (m *Manager) Abort(tid transid.ID) wire.Errno {
	m.mu.Lock()
	e, ok := m.entries[tid]
	m.mu.Unlock()
	if ok && e.prepared {
		m.log.State(e.logHandle, recovery.StateAbort)
	}
	m.mu.Lock()
	delete(m.entries, tid)
	m.mu.Unlock()
	return wire.OK
}

// Prepared reports whether tid has already voted prepare. Read and Write
// apply the same guard by checking the entry's prepared flag directly
// (spec §4.4: "after prepared, any read/write returns protocol-error").
func (m *Manager) Prepared(tid transid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tid]
	return ok && e.prepared
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
