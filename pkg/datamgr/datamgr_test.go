package datamgr

import (
	"testing"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/stretchr/testify/require"
)

// fakeCache is an in-memory stand-in for the cache manager, keyed by
// (fh, offset) writes applied in commit order; good enough to exercise
// DM's overlay and commit-mode plumbing without a real cache.Manager.
type fakeCache struct {
	files map[fhandle.Handle][]byte
	fail  bool
}

func newFakeCache() *fakeCache { return &fakeCache{files: make(map[fhandle.Handle][]byte)} }

func (c *fakeCache) Read(fh fhandle.Handle, offset int64, n int, buf []byte) (int, wire.Errno) {
	data := c.files[fh]
	if offset >= int64(len(data)) {
		return 0, wire.OK
	}
	end := offset + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return copy(buf, data[offset:end]), wire.OK
}

func (c *fakeCache) Write(fh fhandle.Handle, offset int64, n int, buf []byte, _ wire.FaultMode) wire.Errno {
	if c.fail {
		return wire.EUNXP
	}
	data := c.files[fh]
	need := int(offset) + n
	if need > len(data) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:], buf[:n])
	c.files[fh] = data
	return wire.OK
}

// fakeLog is an in-memory stand-in for the recovery manager.
type fakeLog struct {
	states map[int64]recovery.State
	next   int64
	fail   bool
}

func newFakeLog() *fakeLog { return &fakeLog{states: make(map[int64]recovery.State)} }

func (l *fakeLog) Log(trans transid.ID, writes []recovery.WriteRecord) (int64, wire.Errno) {
	if l.fail {
		return 0, wire.ENOTLOG
	}
	l.next++
	l.states[l.next] = recovery.StateUnknown
	return l.next, wire.OK
}

func (l *fakeLog) State(lhandle int64, state recovery.State) wire.Errno {
	l.states[lhandle] = state
	return wire.OK
}

func tid(sec int64) transid.ID { return transid.ID{Host: 1, Pid: 1, Sec: sec} }

func TestReadYourOwnWrites(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("XY")))
	buf := make([]byte, 2)
	n, code := dm.Read(t1, fh, 0, 2, buf)
	require.Equal(t, wire.OK, code)
	require.Equal(t, 2, n)
	require.Equal(t, "XY", string(buf))
}

func TestAbortUndoesBufferedWrites(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1, t2 := tid(1), tid(2)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("XY")))
	require.Equal(t, wire.OK, dm.Abort(t1))

	buf := make([]byte, 2)
	n, code := dm.Read(t2, fh, 0, 2, buf)
	require.Equal(t, wire.OK, code)
	require.Equal(t, 0, n) // nothing committed, pre-T1 state is empty
}

func TestWriteImplicitExtensionZeroFillsHole(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 10, []byte("Z")))
	buf := make([]byte, 11)
	n, code := dm.Read(t1, fh, 0, 11, buf)
	require.Equal(t, wire.OK, code)
	require.Equal(t, 11, n)
	require.Equal(t, append(make([]byte, 10), 'Z'), buf)
}

func TestPrepareReadOnlyReturnsReadonlyAndDiscardsState(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	t1 := tid(1)

	require.Equal(t, wire.READONLY, dm.Prepare(t1))
	require.False(t, dm.Prepared(t1))
}

func TestPrepareThenCommitWritesStable(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("ABCD")))
	require.Equal(t, wire.OK, dm.Prepare(t1))
	require.True(t, dm.Prepared(t1))
	require.Equal(t, wire.OK, dm.Commit(t1))
	require.Equal(t, recovery.StateCommit, log.states[1])
	require.Equal(t, "ABCD", string(cache.files[fh]))
}

func TestCommitWithoutPrepareUsesVolatileMode(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("hi")))
	require.Equal(t, wire.OK, dm.Commit(t1))
	require.Equal(t, "hi", string(cache.files[fh]))
	require.Empty(t, log.states) // never logged: 1PC path
}

func TestWriteAfterPrepareIsProtocolError(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("a")))
	require.Equal(t, wire.OK, dm.Prepare(t1))
	require.Equal(t, wire.EPROTO, dm.Write(t1, fh, 1, []byte("b")))

	buf := make([]byte, 1)
	_, code := dm.Read(t1, fh, 0, 1, buf)
	require.Equal(t, wire.EPROTO, code)
}

func TestPrepareLogFailureAbortsLocally(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	log.fail = true
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("a")))
	require.Equal(t, wire.ENOTLOG, dm.Prepare(t1))
	require.False(t, dm.Prepared(t1))
	require.False(t, dm.HasWrites(t1)) // state discarded
}

func TestCommitCacheFailureAfterLoggedCommitReturnsERECOV(t *testing.T) {
	cache, log := newFakeCache(), newFakeLog()
	dm := New(cache, log)
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, wire.OK, dm.Write(t1, fh, 0, []byte("a")))
	require.Equal(t, wire.OK, dm.Prepare(t1))
	cache.fail = true
	require.Equal(t, wire.ERECOV, dm.Commit(t1))
	require.Equal(t, recovery.StateCommit, log.states[1]) // the decision is already durable
}
