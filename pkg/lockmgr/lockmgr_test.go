package lockmgr

import (
	"testing"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tid(sec int64) transid.ID { return transid.ID{Host: 1, Pid: 1, Sec: sec, Usec: 0} }

func TestReadReadCompatible(t *testing.T) {
	m := New()
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1, t2 := tid(1), tid(2)

	require.Equal(t, Grant, m.RLock(t1, fh, 0, 10))
	require.Equal(t, Grant, m.RLock(t2, fh, 5, 10))
}

func TestWriteWriteConflict(t *testing.T) {
	m := New()
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1, t2 := tid(1), tid(2)

	require.Equal(t, Grant, m.WLock(t1, fh, 0, 2))
	require.Equal(t, Deny, m.WLock(t2, fh, 1, 2))

	m.WFree(t1)
	require.Equal(t, Grant, m.WLock(t2, fh, 1, 2))
}

func TestOwnLockAlreadyHeld(t *testing.T) {
	m := New()
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1 := tid(1)

	require.Equal(t, Grant, m.WLock(t1, fh, 0, 10))
	// Same transaction re-requesting an overlapping write is granted —
	// it already holds a compatible-or-stronger lock over the range.
	require.Equal(t, Grant, m.WLock(t1, fh, 2, 2))
}

func TestZeroLengthNoop(t *testing.T) {
	m := New()
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1, t2 := tid(1), tid(2)

	require.Equal(t, Grant, m.WLock(t1, fh, 5, 0))
	// No state change: an overlapping writer is unaffected.
	require.Equal(t, Grant, m.WLock(t2, fh, 5, 10))
}

func TestRFreeWFreeIndependent(t *testing.T) {
	m := New()
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1, t2 := tid(1), tid(2)

	require.Equal(t, Grant, m.RLock(t1, fh, 0, 10))
	require.Equal(t, Grant, m.WLock(t1, fh, 0, 10))
	assert.True(t, m.HoldsWrite(t1))

	m.RFree(t1)
	assert.True(t, m.HoldsWrite(t1), "write locks survive rfree")

	// Read lock released: a writer from another transaction still can't
	// get in because the write lock remains.
	require.Equal(t, Deny, m.WLock(t2, fh, 0, 1))

	m.WFree(t1)
	assert.False(t, m.HoldsWrite(t1))
	require.Equal(t, Grant, m.WLock(t2, fh, 0, 1))
}

func TestNoPartialFailure(t *testing.T) {
	m := New()
	fh := fhandle.Handle{Dev: 1, Ino: 1}
	t1, t2 := tid(1), tid(2)

	require.Equal(t, Grant, m.WLock(t1, fh, 0, 5))
	require.Equal(t, Deny, m.WLock(t2, fh, 3, 5))

	// A denied request leaves no trace in either index: t2 still holds
	// nothing, and t1's lock list is unaffected.
	m.WFree(t2)
	require.Equal(t, Grant, m.WLock(t1, fh, 3, 5))
}
