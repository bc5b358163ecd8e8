// Package ssm implements the stable storage manager: the leaf layer that
// owns the on-disk file handle database (FHDB), transaction log (TLOG)
// positioned-I/O primitives, file information cache (FIC), and the
// path/fhandle-level file operations described in spec §4.1.
//
// ssm deliberately imports neither pkg/lockmgr nor pkg/cache. The
// lock-then-truncate-then-invalidate sequence spec §4.1 describes for
// LOOKUP with PIOUS_TRUNC is orchestration across three collaborators and
// belongs to the dispatcher, which already holds references to all three;
// keeping ssm a pure leaf keeps its tests free of the other layers.
package ssm

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// fhdbTrailer is the fixed 9-word (72-byte) record trailer appended after
// each record's variable-length path bytes, matching the original file
// handle database's on-disk template exactly:
//
//	[ onebits, pathlen, onebits, dev, ino, onebits, 0, 0, 0 ]
//
// The three trailing zero words are the end-of-record marker; the
// interleaved onebits words are a fixed part of the template copied
// faithfully from the source format. A record with pathlen 0 records an
// "unmapping" of (dev, ino): Lookup must treat it as not-found.
const (
	fTrailerWords = 9
	fTrailerSize  = fTrailerWords * 8

	fOnebits0  = 0
	fPathlen   = 1
	fOnebits1  = 2
	fFhDev     = 3
	fFhIno     = 4
	fOnebits2  = 5
	fEORMarker = 6 // words 6,7,8 are all zero
)

// FHDB is the append-only, backward-scanned handle-to-path database.
type FHDB struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// OpenFHDB opens (creating if necessary) the FHDB at path.
func OpenFHDB(path string) (*FHDB, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FHDB{f: f, size: fi.Size()}, nil
}

func (d *FHDB) Close() error { return d.f.Close() }

func marshalTrailer(pathlen uint64, fh fhandle.Handle) []byte {
	buf := make([]byte, fTrailerSize)
	put := func(i int, v uint64) { binary.BigEndian.PutUint64(buf[i*8:], v) }
	ones := ^uint64(0)
	put(fOnebits0, ones)
	put(fPathlen, pathlen)
	put(fOnebits1, ones)
	put(fFhDev, fh.Dev)
	put(fFhIno, fh.Ino)
	put(fOnebits2, ones)
	put(fEORMarker, 0)
	put(fEORMarker+1, 0)
	put(fEORMarker+2, 0)
	return buf
}

func unmarshalTrailer(buf []byte) [fTrailerWords]uint64 {
	var w [fTrailerWords]uint64
	for i := range w {
		w[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return w
}

// AppendMapping records that fh maps to path. Records are append-only:
// an earlier mapping of the same fh to a different path is superseded by
// reading the database backwards and stopping at the first match.
func (d *FHDB) AppendMapping(fh fhandle.Handle, path string) (int64, wire.Errno) {
	return d.append([]byte(path), fh)
}

// AppendUnmap records that fh is no longer mapped (pathlen 0 trailer).
func (d *FHDB) AppendUnmap(fh fhandle.Handle) (int64, wire.Errno) {
	return d.append(nil, fh)
}

func (d *FHDB) append(path []byte, fh fhandle.Handle) (int64, wire.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := append(append([]byte{}, path...), marshalTrailer(uint64(len(path)), fh)...)
	off := d.size
	if _, err := d.f.WriteAt(rec, off); err != nil {
		return 0, wire.EINSUF
	}
	d.size += int64(len(rec))
	return off, wire.OK
}

// Sync fsyncs the FHDB, matching the fatal-tolerance contract in spec §7:
// a crash loses at most the last, possibly-partial record.
func (d *FHDB) Sync() wire.Errno {
	if err := d.f.Sync(); err != nil {
		return wire.EUNXP
	}
	return wire.OK
}

func (d *FHDB) readTrailerAt(off int64) ([fTrailerWords]uint64, error) {
	if off < 0 || off+fTrailerSize > d.size {
		return [fTrailerWords]uint64{}, io.ErrUnexpectedEOF
	}
	buf := make([]byte, fTrailerSize)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return [fTrailerWords]uint64{}, err
	}
	return unmarshalTrailer(buf), nil
}

func isEORMarker(w [fTrailerWords]uint64) bool {
	return w[fEORMarker] == 0 && w[fEORMarker+1] == 0 && w[fEORMarker+2] == 0
}

// Lookup locates the most recently written mapping for fh, tolerating
// corruption of at most the final record (a crash mid-append). Grounded
// on fhandle_db_read()'s backward scan: walk trailers from EOF, byte by
// byte until a complete EOR-marked trailer is found (bounding the damage
// a torn last write can do), then record by record comparing (dev, ino)
// and stepping back over each record's path bytes and trailer in turn.
func (d *FHDB) Lookup(fh fhandle.Handle) (string, wire.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size == 0 {
		return "", wire.EBADF
	}

	off := d.size - fTrailerSize
	var w [fTrailerWords]uint64
	for {
		if off < 0 {
			return "", wire.EFATAL
		}
		var err error
		w, err = d.readTrailerAt(off)
		if err == nil && isEORMarker(w) {
			break
		}
		off--
	}

	for {
		if w[fFhDev] == fh.Dev && w[fFhIno] == fh.Ino {
			pathlen := w[fPathlen]
			if pathlen == 0 {
				return "", wire.EBADF
			}
			pathOff := off - int64(pathlen)
			if pathOff < 0 {
				return "", wire.EFATAL
			}
			buf := make([]byte, pathlen)
			if _, err := d.f.ReadAt(buf, pathOff); err != nil {
				return "", wire.EFATAL
			}
			return string(buf), wire.OK
		}

		off -= int64(w[fPathlen])
		if off == 0 {
			return "", wire.EBADF
		}
		if off < fTrailerSize {
			return "", wire.EFATAL
		}
		off -= fTrailerSize

		var err error
		w, err = d.readTrailerAt(off)
		if err != nil {
			return "", wire.EFATAL
		}
	}
}

// Compact rewrites the FHDB containing only the given live mappings (the
// result of a full backward walk collecting the most recent record per
// handle, performed by the caller since only it can enumerate distinct
// handles it cares about). Used by Manager.Checkpoint to keep FHDB size
// bounded (spec §4.1.a).
func (d *FHDB) Compact(mappings map[fhandle.Handle]string) wire.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()

	tmpPath := d.f.Name() + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return wire.EINSUF
	}

	var size int64
	for fh, path := range mappings {
		rec := append([]byte(path), marshalTrailer(uint64(len(path)), fh)...)
		if _, err := tmp.WriteAt(rec, size); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return wire.EINSUF
		}
		size += int64(len(rec))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return wire.EUNXP
	}
	tmp.Close()

	oldName := d.f.Name()
	d.f.Close()
	if err := os.Rename(tmpPath, oldName); err != nil {
		return wire.EFATAL
	}
	f, err := os.OpenFile(oldName, os.O_RDWR, 0600)
	if err != nil {
		return wire.EFATAL
	}
	d.f = f
	d.size = size
	return wire.OK
}
