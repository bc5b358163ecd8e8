package ssm

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	pdslog "github.com/cuemby/pious-pds/pkg/log"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/rs/zerolog"
)

// ErrRecoveryRequired is returned by Open when the TLOG is non-empty at
// startup (spec §4.1, O1). The source this spec was distilled from
// truncated the log unconditionally in this situation, silently
// discarding any prepared transaction's uncertainty window. Open never
// replays the log on its own, so it refuses to start until an operator
// has dealt with the log (a recovery pass through Recover, or a
// deliberate truncation they chose themselves).
var ErrRecoveryRequired = errors.New("ssm: TLOG is non-empty; recovery required before starting")

const (
	fhdbName   = "PIOUS.DS.FHDB"
	tlogName   = "PIOUS.DS.TLOG"
	defaultFIC = 512
)

// Manager is the stable storage manager: the leaf layer owning the
// FHDB, TLOG, FIC, and the path/fhandle file operations of spec §4.1.
// It never acquires locks and never consults the cache manager; see the
// package doc comment for why that boundary matters.
type Manager struct {
	rootDir string
	log     zerolog.Logger

	fhdb *FHDB
	tlog *txlog
	fic  *fic

	mu             sync.Mutex
	liveMap        map[fhandle.Handle]string // mirrors FHDB's most-recent mapping per handle, for Checkpoint
	fatal          bool
	recoverFlag    bool
	checkpointFlag bool
}

// Open initializes the stable storage manager rooted at logdir, the
// directory named on the command line (spec §6.b): FHDB and TLOG live
// there, alongside the data files PDS serves.
func Open(logdir string, ficSize int, logger zerolog.Logger) (*Manager, error) {
	m, tlogSize, err := open(logdir, ficSize, logger)
	if err != nil {
		return nil, err
	}
	if tlogSize > 0 {
		m.tlog.Close()
		m.fhdb.Close()
		return nil, ErrRecoveryRequired
	}
	return m, nil
}

// open does the FHDB/TLOG/FIC setup shared by Open and Recover, returning
// the TLOG's size at open time so the caller can decide what to do about
// a non-empty log instead of baking that decision in here.
func open(logdir string, ficSize int, logger zerolog.Logger) (*Manager, int64, error) {
	if ficSize <= 0 {
		ficSize = defaultFIC
	}
	if err := os.MkdirAll(logdir, 0700); err != nil {
		return nil, 0, err
	}

	fhdb, err := OpenFHDB(filepath.Join(logdir, fhdbName))
	if err != nil {
		return nil, 0, err
	}
	tlog, err := openTxLog(filepath.Join(logdir, tlogName))
	if err != nil {
		fhdb.Close()
		return nil, 0, err
	}

	return &Manager{
		rootDir: logdir,
		log:     pdslog.ComponentSSM.Logger(logger),
		fhdb:    fhdb,
		tlog:    tlog,
		fic:     newFIC(ficSize),
		liveMap: make(map[fhandle.Handle]string),
	}, tlog.Size(), nil
}

func (m *Manager) Close() error {
	m.tlog.Close()
	return m.fhdb.Close()
}

// Fatal reports whether a prior unrecoverable error has poisoned the
// stable storage manager; once true, Lookup, Read and Write fail EFATAL
// for the rest of this Manager's life (spec §7). A fresh Manager from
// Open or Recover starts with the flag clear.
func (m *Manager) Fatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *Manager) setFatal(reason string) {
	m.mu.Lock()
	m.fatal = true
	m.mu.Unlock()
	m.log.Error().Str("reason", reason).Msg("stable storage manager fatal error")
}

// RecoverRequired/CheckpointRequired surface the global state flags the
// dispatcher checks before retrying blocked transaction ops: while
// either is set, those retries are skipped.
func (m *Manager) RecoverRequired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoverFlag
}

func (m *Manager) SetRecoverRequired(v bool) {
	m.mu.Lock()
	m.recoverFlag = v
	m.mu.Unlock()
}

func (m *Manager) CheckpointRequired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointFlag
}

func (m *Manager) SetCheckpointRequired(v bool) {
	m.mu.Lock()
	m.checkpointFlag = v
	m.mu.Unlock()
}

// Errlog records a diagnostic for a stable-storage-manager internal
// error, matching SS_errlog's signature, routed through the ambient
// structured logger rather than a dedicated flat file: the original's
// ERRLOG was its only diagnostic channel, but this codebase already
// carries one (spec §6.b) and a second would just fragment the trail.
func (m *Manager) Errlog(function string, code wire.Errno, msg string) {
	m.log.Error().Str("func", function).Int32("code", int32(code)).Msg(msg)
}

func path2fhandle(path string) (fhandle.Handle, wire.Errno) {
	fi, err := os.Stat(path)
	if err != nil {
		return fhandle.Zero, translateOSErr(err)
	}
	if !fi.Mode().IsRegular() {
		return fhandle.Zero, wire.ENOTREG
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fhandle.Zero, wire.EUNXP
	}
	return fhandle.Handle{Dev: uint64(st.Dev), Ino: st.Ino}, wire.OK
}

// resolve maps path to a fhandle, locating (or inserting) its FIC/FHDB
// entry, per SS_lookup's path2fhandle + fhandle_locate + fhandle_db_write
// sequence (minus creation/truncation, handled by Lookup itself).
func (m *Manager) resolve(path string) (fhandle.Handle, wire.Errno) {
	fh, code := path2fhandle(path)
	if code != wire.OK {
		return fhandle.Zero, code
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fic.locate(fh); ok {
		return fh, wire.OK
	}

	if p, code := m.fhdb.Lookup(fh); code == wire.OK {
		amode := accessMode(p)
		m.fic.insert(fh, p, amode)
		return fh, wire.OK
	} else if code == wire.EFATAL {
		return fhandle.Zero, wire.EFATAL
	}

	if _, code := m.fhdb.AppendMapping(fh, path); code != wire.OK {
		return fhandle.Zero, code
	}
	if code := m.fhdb.Sync(); code != wire.OK {
		return fhandle.Zero, code
	}
	m.liveMap[fh] = path

	amode := accessMode(path)
	m.fic.insert(fh, path, amode)
	return fh, wire.OK
}

// resolveHandle ensures fh has a live FIC entry, consulting FHDB when the
// FIC doesn't know it yet — the same FHDB-then-FIC-insert half of resolve,
// entered from a handle recovery already has rather than a path a Lookup
// would derive one from.
func (m *Manager) resolveHandle(fh fhandle.Handle) wire.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fic.locate(fh); ok {
		return wire.OK
	}

	p, code := m.fhdb.Lookup(fh)
	if code != wire.OK {
		return code
	}
	m.fic.insert(fh, p, accessMode(p))
	return wire.OK
}

func accessMode(path string) int {
	amode := 0
	if accessAllowed(path, 4) {
		amode |= wire.AccessRead
	}
	if accessAllowed(path, 2) {
		amode |= wire.AccessWrite
	}
	if accessAllowed(path, 1) {
		amode |= wire.AccessExec
	}
	return amode
}

func accessAllowed(path string, mode uint32) bool {
	return syscall.Access(path, mode) == nil
}
