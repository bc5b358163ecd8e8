package cache

import (
	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// Read implements CM.read (spec §4.2): decompose into per-block
// operations; a full hit is copied straight out and promoted; anything
// else (miss, or a hit on a partial/EOF-bearing block that may be stale)
// is re-read from stable storage, flushing first if dirty, then copied
// out and filed at MRU-of-Probationary.
func (m *Manager) Read(fh fhandle.Handle, offset int64, n int, buf []byte) (int, wire.Errno) {
	if n == 0 {
		return 0, wire.OK
	}
	total := 0
	remaining := n
	cur := offset

	for remaining > 0 {
		dblkNum := cur / int64(m.dblkSize)
		dblkOff := int(cur % int64(m.dblkSize))
		want := min(m.dblkSize-dblkOff, remaining)

		key := blockKey{fh: fh, blk: dblkNum}
		idx, hit := m.index[key]

		var got int
		if hit && m.slots[idx].validBytes == m.dblkSize {
			m.hits++
			s := &m.slots[idx]
			got = copy(buf[total:total+want], s.data[dblkOff:dblkOff+want])
			m.promote(idx)
		} else {
			m.misses++
			var err wire.Errno
			idx, err = m.refill(fh, dblkNum, hit, idx)
			if err != wire.OK {
				return total, err
			}
			s := &m.slots[idx]
			if dblkOff >= s.validBytes {
				got = 0
			} else {
				avail := min(want, s.validBytes-dblkOff)
				got = copy(buf[total:total+avail], s.data[dblkOff:dblkOff+avail])
			}
			m.fillProbationary(idx)
		}

		total += got
		cur += int64(got)
		remaining -= got
		if got < want {
			// Short read: real end of file reached.
			break
		}
	}
	return total, wire.OK
}

// refill re-reads dblkNum of fh from stable storage into a slot,
// flushing the existing slot first if it is dirty.
func (m *Manager) refill(fh fhandle.Handle, dblkNum int64, hadSlot bool, existing int) (int, wire.Errno) {
	var idx int
	if hadSlot {
		idx = existing
		if err := m.flushSlot(idx); err != wire.OK {
			return 0, err
		}
		delete(m.index, m.key(idx))
	} else {
		i, ok := m.acquire()
		if !ok {
			return 0, wire.ERECOV
		}
		idx = i
	}

	s := &m.slots[idx]
	if s.data == nil {
		s.data = make([]byte, m.dblkSize)
	}
	got, err := m.backing.Read(fh, dblkNum*int64(m.dblkSize), s.data)
	if err != wire.OK {
		return 0, err
	}
	s.valid = true
	s.dirty = false
	s.fh = fh
	s.blockNum = dblkNum
	s.validBytes = got
	s.faultMode = wire.Volatile
	m.index[blockKey{fh: fh, blk: dblkNum}] = idx
	return idx, wire.OK
}

// Write implements CM.write (spec §4.2): never allocates on miss.
func (m *Manager) Write(fh fhandle.Handle, offset int64, n int, buf []byte, mode wire.FaultMode) wire.Errno {
	if n == 0 {
		return wire.OK
	}
	remaining := n
	cur := offset
	total := 0

	for remaining > 0 {
		dblkNum := cur / int64(m.dblkSize)
		dblkOff := int(cur % int64(m.dblkSize))
		want := min(m.dblkSize-dblkOff, remaining)
		chunk := buf[total : total+want]

		key := blockKey{fh: fh, blk: dblkNum}
		idx, hit := m.index[key]

		if !hit {
			if err := m.backing.Write(fh, cur, chunk, mode); err != wire.OK {
				return err
			}
		} else {
			s := &m.slots[idx]
			if mode == wire.Volatile {
				if err := m.backing.Write(fh, cur, chunk, mode); err != wire.OK {
					return err
				}
				mergeInto(s, dblkOff, chunk)
			} else {
				s.dirty = true
				s.faultMode = wire.Stable
				mergeInto(s, dblkOff, chunk)
			}
			m.promote(idx)
		}

		total += want
		cur += int64(want)
		remaining -= want
	}
	return wire.OK
}

// mergeInto zero-fills the hole between the slot's current valid bytes
// and dblkOff, then copies data in, per spec §4.2 POSIX append semantics.
func mergeInto(s *slot, dblkOff int, data []byte) {
	if s.data == nil {
		s.data = make([]byte, len(data)+dblkOff)
	}
	need := dblkOff + len(data)
	if need > len(s.data) {
		grown := make([]byte, need)
		copy(grown, s.data)
		s.data = grown
	}
	if dblkOff > s.validBytes {
		for i := s.validBytes; i < dblkOff; i++ {
			s.data[i] = 0
		}
	}
	copy(s.data[dblkOff:], data)
	if need > s.validBytes {
		s.validBytes = need
	}
}

// Flush implements CM.flush: write every dirty Stable block to stable
// storage. Clean or Volatile-only slots are a no-op.
func (m *Manager) Flush() wire.Errno {
	for i := range m.slots {
		if m.slots[i].valid && m.slots[i].dirty {
			if err := m.flushSlot(i); err != wire.OK {
				return wire.EUNXP
			}
		}
	}
	return wire.OK
}

// FlushFile implements CM.fflush: flush only dirty-Stable blocks
// belonging to fh.
func (m *Manager) FlushFile(fh fhandle.Handle) wire.Errno {
	for i := range m.slots {
		if m.slots[i].valid && m.slots[i].fh == fh && m.slots[i].dirty {
			if err := m.flushSlot(i); err != wire.OK {
				return wire.EUNXP
			}
		}
	}
	return wire.OK
}

// Invalidate implements CM.invalidate: drop every cache entry without
// flushing (spec: dirty entries are NOT flushed).
func (m *Manager) Invalidate() {
	for i := range m.slots {
		if !m.slots[i].valid {
			continue
		}
		m.dropSlot(i)
	}
}

// InvalidateFile implements CM.finvalidate for one file, used by
// ssm.Lookup's truncate path before reopening a file at a new length.
func (m *Manager) InvalidateFile(fh fhandle.Handle) {
	for i := range m.slots {
		if m.slots[i].valid && m.slots[i].fh == fh {
			m.dropSlot(i)
		}
	}
}

func (m *Manager) dropSlot(i int) {
	delete(m.index, m.key(i))
	m.unlink(i)
	if m.slots[i].segment == protected {
		m.protCount--
	}
	m.slots[i] = slot{}
	m.free = append(m.free, i)
}

// Stats returns cumulative hit/miss/eviction counters for the metrics
// exporter.
func (m *Manager) Stats() (hits, misses, evictions int64) {
	return m.hits, m.misses, m.evictions
}
