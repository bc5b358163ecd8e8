package ssm

import (
	"io"
	"os"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// Lookup implements SS_lookup: map path to a file handle, creating
// and/or truncating the underlying file first if cflag requires it, then
// locating (or inserting) the handle's FHDB/FIC entry. The
// lock-then-truncate-then-invalidate sequencing spec §4.1 prescribes
// around a truncating lookup is the dispatcher's job, not this one — by
// the time Lookup itself runs, any coordination with the lock and cache
// managers the caller needed has already happened.
func (m *Manager) Lookup(path string, cflag wire.CreateFlag) (fhandle.Handle, wire.Errno) {
	if m.Fatal() {
		return fhandle.Zero, wire.EFATAL
	}

	_, existsCode := path2fhandle(path)

	switch existsCode {
	case wire.OK:
		if cflag == wire.CreatTrunc {
			if code := m.createOrTruncate(path, os.O_TRUNC, 0); code != wire.OK {
				return fhandle.Zero, code
			}
		}
	case wire.ENOENT:
		if cflag != wire.Creat && cflag != wire.CreatTrunc {
			return fhandle.Zero, wire.ENOENT
		}
		if code := m.createOrTruncate(path, os.O_CREATE, 0644); code != wire.OK {
			return fhandle.Zero, code
		}
	default:
		// path exists but path2fhandle rejected it outright (e.g.
		// ENOTREG for a directory) — no amount of creat/trunc fixes that.
		return fhandle.Zero, existsCode
	}

	return m.resolve(path)
}

// createOrTruncate opens path with the requested os flag purely to
// perform creation/truncation, then immediately closes it — mirroring
// fildes_alloc()'s documented kludge: creation/truncation is an
// open()-only side effect, not a retained descriptor.
func (m *Manager) createOrTruncate(path string, flag int, perm os.FileMode) wire.Errno {
	f, err := os.OpenFile(path, os.O_RDWR|flag, perm)
	if err != nil {
		return translateOSErr(err)
	}
	f.Close()
	return wire.OK
}

// Faccess implements SS_faccess: report whether fh is accessible for
// amode without touching the filesystem again, using the FIC's cached
// accessibility bits.
func (m *Manager) Faccess(fh fhandle.Handle, amode int) wire.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.fic.locate(fh)
	if !ok {
		return wire.EBADF
	}
	if m.fic.entries[i].amode&amode != amode {
		return wire.EACCES
	}
	return wire.OK
}

// Read implements SS_read: a plain positioned read against the
// underlying file, serving as the cache manager's Backing.Read.
func (m *Manager) Read(fh fhandle.Handle, offset int64, buf []byte) (int, wire.Errno) {
	if m.Fatal() {
		return 0, wire.EFATAL
	}
	m.mu.Lock()
	i, ok := m.fic.locate(fh)
	if !ok {
		m.mu.Unlock()
		return 0, wire.EBADF
	}
	if m.fic.entries[i].amode&wire.AccessRead == 0 {
		m.mu.Unlock()
		return 0, wire.EACCES
	}
	flag := os.O_RDONLY
	if m.fic.entries[i].amode&wire.AccessWrite != 0 {
		flag = os.O_RDWR // openFile hands this descriptor to later Writes too
	}
	f, code := m.fic.openFile(i, flag)
	m.mu.Unlock()
	if code != wire.OK {
		return 0, code
	}
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, wire.EUNXP
	}
	return n, wire.OK // a short read at EOF is a legitimate result, not an error (spec §8)
}

// Write implements SS_write: a plain positioned write against the
// underlying file, serving as the cache manager's Backing.Write. mode is
// accepted for interface conformance with cache.Backing; ssm itself has
// no volatile/stable distinction since every write it performs already
// targets durable storage.
func (m *Manager) Write(fh fhandle.Handle, offset int64, data []byte, _ wire.FaultMode) wire.Errno {
	if m.Fatal() {
		return wire.EFATAL
	}
	m.mu.Lock()
	i, ok := m.fic.locate(fh)
	if !ok {
		m.mu.Unlock()
		return wire.EBADF
	}
	if m.fic.entries[i].amode&wire.AccessWrite == 0 {
		m.mu.Unlock()
		return wire.EACCES
	}
	f, code := m.fic.openFile(i, os.O_RDWR)
	m.mu.Unlock()
	if code != wire.OK {
		return code
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		m.setFatal("write: " + err.Error())
		return wire.EUNXP
	}
	return wire.OK
}

// Stat implements SS_stat: report the access mode bits of path without
// requiring a prior Lookup.
func (m *Manager) Stat(path string) (mode int, err wire.Errno) {
	if _, code := path2fhandle(path); code != wire.OK {
		return 0, code
	}
	return accessMode(path), wire.OK
}

// Chmod implements SS_chmod: change the OS permission bits of path and
// refresh the FIC's cached accessibility for its handle, if resident.
func (m *Manager) Chmod(path string, perm os.FileMode) wire.Errno {
	fh, code := path2fhandle(path)
	if code != wire.OK {
		return code
	}
	if err := os.Chmod(path, perm); err != nil {
		return translateOSErr(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.fic.locate(fh); ok {
		m.fic.entries[i].amode = accessMode(path)
	}
	return wire.OK
}

// Unlink implements SS_unlink: remove path, record the handle's
// unmapping in the FHDB, and evict it from the FIC.
func (m *Manager) Unlink(path string) wire.Errno {
	fh, code := path2fhandle(path)
	if code != wire.OK {
		return code
	}
	if err := os.Remove(path); err != nil {
		return translateOSErr(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.fic.invalidateHandle(fh)
	if _, code := m.fhdb.AppendUnmap(fh); code != wire.OK {
		return code
	}
	delete(m.liveMap, fh)
	return m.fhdb.Sync()
}

// Mkdir implements SS_mkdir.
func (m *Manager) Mkdir(path string, perm os.FileMode) wire.Errno {
	if err := os.Mkdir(path, perm); err != nil {
		return translateOSErr(err)
	}
	return wire.OK
}

// Rmdir implements SS_rmdir.
func (m *Manager) Rmdir(path string) wire.Errno {
	if err := os.Remove(path); err != nil {
		return translateOSErr(err)
	}
	return wire.OK
}

// LogRead/LogWrite/LogAppend/LogSync/LogTrunc/LogSize expose the TLOG's
// raw positioned-I/O primitives to the recovery manager (spec §4.4),
// mirroring SS_logread/SS_logwrite/SS_logsync/SS_logtrunc. ssm itself
// never interprets TLOG bytes.
func (m *Manager) LogRead(offset int64, buf []byte) (int, wire.Errno) {
	return m.tlog.Read(offset, buf)
}
func (m *Manager) LogWrite(offset int64, data []byte) wire.Errno {
	return m.tlog.Write(offset, data)
}
func (m *Manager) LogAppend(data []byte) (int64, wire.Errno) { return m.tlog.Append(data) }
func (m *Manager) LogSync() wire.Errno                       { return m.tlog.Sync() }
func (m *Manager) LogTrunc(size int64) wire.Errno            { return m.tlog.Trunc(size) }
func (m *Manager) LogSize() int64                            { return m.tlog.Size() }

// Checkpoint compacts the FHDB down to its live mappings (spec §4.1.a),
// bounding its size now that superseded and unmapped records would
// otherwise accumulate forever under the append-only scheme. It does not
// touch the TLOG; log truncation follows a successful recovery pass and
// is the recovery manager's call.
func (m *Manager) Checkpoint() wire.Errno {
	m.mu.Lock()
	snapshot := make(map[fhandle.Handle]string, len(m.liveMap))
	for k, v := range m.liveMap {
		snapshot[k] = v
	}
	m.mu.Unlock()

	code := m.fhdb.Compact(snapshot)
	if code != wire.OK {
		m.setFatal("checkpoint: FHDB compaction failed")
		return code
	}
	m.SetCheckpointRequired(false)
	return wire.OK
}
