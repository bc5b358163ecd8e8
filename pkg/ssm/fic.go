package ssm

import (
	"errors"
	"os"
	"syscall"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
)

type ficEntry struct {
	valid bool
	fh    fhandle.Handle
	path  string
	amode int
	file  *os.File // nil when no descriptor is currently held open

	next, prev int // LRU chain, -1 terminated
}

// fic is the file information cache: a fixed-size arena caching the
// path and accessibility of recently used file handles, with file
// descriptors held open only for a subset of entries and reclaimed
// reactively when the process runs out of descriptors (grounded on
// fildes_alloc()/fildes_free() in the original stable storage manager,
// which retries open() after closing whichever entry currently holds one
// rather than maintaining a separate fd-specific LRU).
type fic struct {
	entries []ficEntry
	free    []int
	index   map[fhandle.Handle]int
	mru     int
	lru     int
	openFDs int
}

func newFIC(size int) *fic {
	if size < 1 {
		size = 1
	}
	f := &fic{
		entries: make([]ficEntry, size),
		index:   make(map[fhandle.Handle]int, size),
		mru:     -1,
		lru:     -1,
	}
	f.free = make([]int, size)
	for i := range f.free {
		f.free[i] = size - 1 - i
	}
	return f
}

func (f *fic) unlink(i int) {
	e := &f.entries[i]
	if e.prev != -1 {
		f.entries[e.prev].next = e.next
	} else {
		f.mru = e.next
	}
	if e.next != -1 {
		f.entries[e.next].prev = e.prev
	} else {
		f.lru = e.prev
	}
	e.next, e.prev = -1, -1
}

func (f *fic) pushMRU(i int) {
	e := &f.entries[i]
	e.prev = -1
	e.next = f.mru
	if f.mru != -1 {
		f.entries[f.mru].prev = i
	} else {
		f.lru = i
	}
	f.mru = i
}

func (f *fic) touch(i int) {
	f.unlink(i)
	f.pushMRU(i)
}

// locate returns the slot for fh, bumping it to MRU.
func (f *fic) locate(fh fhandle.Handle) (int, bool) {
	i, ok := f.index[fh]
	if !ok {
		return 0, false
	}
	f.touch(i)
	return i, true
}

// insert caches a freshly resolved (fh, path, amode) at MRU, evicting
// LRU (closing its descriptor first, if any) when the arena is full.
func (f *fic) insert(fh fhandle.Handle, path string, amode int) int {
	var idx int
	if n := len(f.free); n > 0 {
		idx = f.free[n-1]
		f.free = f.free[:n-1]
	} else {
		idx = f.lru
		f.closeFD(idx)
		delete(f.index, f.entries[idx].fh)
		f.unlink(idx)
	}
	f.entries[idx] = ficEntry{valid: true, fh: fh, path: path, amode: amode, next: -1, prev: -1}
	f.index[fh] = idx
	f.pushMRU(idx)
	return idx
}

func (f *fic) closeFD(i int) {
	e := &f.entries[i]
	if e.file != nil {
		e.file.Close()
		e.file = nil
		f.openFDs--
	}
}

// invalidate drops a cache entry entirely, e.g. on unlink/rmdir of the
// underlying path (spec §4.1: a destroyed path's handle must not serve
// stale cached accessibility or descriptors).
func (f *fic) invalidate(i int) {
	f.closeFD(i)
	delete(f.index, f.entries[i].fh)
	f.unlink(i)
	f.entries[i] = ficEntry{}
	f.free = append(f.free, i)
}

func (f *fic) invalidateHandle(fh fhandle.Handle) {
	if i, ok := f.index[fh]; ok {
		f.invalidate(i)
	}
}

// openFile returns an open descriptor for entry i, reusing one already
// held, or opening fresh and reclaiming another entry's descriptor if
// the process is out of file descriptors (EMFILE/ENFILE).
func (f *fic) openFile(i int, flag int) (*os.File, wire.Errno) {
	e := &f.entries[i]
	if e.file != nil {
		return e.file, wire.OK
	}
	for {
		file, err := os.OpenFile(e.path, flag, 0)
		if err == nil {
			e.file = file
			f.openFDs++
			return file, wire.OK
		}
		if !isTooManyOpenFiles(err) {
			return nil, translateOSErr(err)
		}
		if !f.reclaimOneFD(i) {
			return nil, wire.EINSUF
		}
	}
}

// reclaimOneFD closes whichever other entry currently holds a
// descriptor, freeing one slot in the process-wide fd budget. except is
// excluded so the caller's own in-flight open attempt is never targeted.
func (f *fic) reclaimOneFD(except int) bool {
	for idx := range f.entries {
		if idx == except {
			continue
		}
		if f.entries[idx].valid && f.entries[idx].file != nil {
			f.closeFD(idx)
			return true
		}
	}
	return false
}

func isTooManyOpenFiles(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func translateOSErr(err error) wire.Errno {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return wire.ENOENT
	case errors.Is(err, os.ErrPermission):
		return wire.EACCES
	case errors.Is(err, syscall.ENOTDIR):
		return wire.ENOTDIR
	case errors.Is(err, syscall.ENAMETOOLONG):
		return wire.ENAMETOOLONG
	case errors.Is(err, syscall.EEXIST):
		return wire.EEXIST
	case errors.Is(err, syscall.ENOSPC):
		return wire.ENOSPC
	case errors.Is(err, syscall.EISDIR):
		return wire.EISDIR
	case errors.Is(err, syscall.ENOTEMPTY):
		return wire.ENOTEMPTY
	case errors.Is(err, syscall.EXDEV):
		return wire.EXDEV
	default:
		return wire.EUNXP
	}
}
