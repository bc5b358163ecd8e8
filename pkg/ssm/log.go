package ssm

import (
	"io"
	"os"
	"sync"

	"github.com/cuemby/pious-pds/pkg/wire"
)

// txlog wraps the transaction log (TLOG) file, exposing only the raw
// positioned-I/O primitives the original SS_log* functions provide
// (SS_logread/SS_logwrite/SS_logappend/SS_logsync/SS_logtrunc). TLOG
// record formatting — the transid + tentative-state header and write
// records the two-phase commit protocol needs — is the recovery
// manager's concern, not this package's; ssm only moves bytes.
type txlog struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

func openTxLog(path string) (*txlog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &txlog{f: f, size: fi.Size()}, nil
}

func (l *txlog) Close() error { return l.f.Close() }

// Read reads len(buf) bytes at offset, matching SS_logread's positioned
// read (no implicit seek-and-remember position).
func (l *txlog) Read(offset int64, buf []byte) (int, wire.Errno) {
	n, err := l.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, wire.EUNXP
	}
	return n, wire.OK
}

// Write writes data at offset, matching SS_logwrite.
func (l *txlog) Write(offset int64, data []byte) wire.Errno {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteAt(data, offset); err != nil {
		return wire.EUNXP
	}
	if end := offset + int64(len(data)); end > l.size {
		l.size = end
	}
	return wire.OK
}

// Append writes data at the current end of log, returning the offset it
// was written at, matching the recovery manager's append-only usage of
// SS_logwrite.
func (l *txlog) Append(data []byte) (int64, wire.Errno) {
	l.mu.Lock()
	defer l.mu.Unlock()
	off := l.size
	if _, err := l.f.WriteAt(data, off); err != nil {
		return 0, wire.EUNXP
	}
	l.size += int64(len(data))
	return off, wire.OK
}

// Sync implements SS_logsync: force the log to stable storage.
func (l *txlog) Sync() wire.Errno {
	if err := l.f.Sync(); err != nil {
		return wire.EUNXP
	}
	return wire.OK
}

// Trunc implements SS_logtrunc: discard the log tail at and beyond size,
// used once the recovery manager has applied or discarded every
// transaction a log segment describes.
func (l *txlog) Trunc(size int64) wire.Errno {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Truncate(size); err != nil {
		return wire.EUNXP
	}
	l.size = size
	return wire.OK
}

func (l *txlog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}
