package ssm

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestOpenRefusesNonEmptyTLOG covers O1: a TLOG record left behind by a
// commit (state overwritten in place, never truncated; spec §4.4) makes
// a plain Open refuse to start.
func TestOpenRefusesNonEmptyTLOG(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 8, zerolog.Nop())
	require.NoError(t, err)

	path := filepath.Join(dir, "a.dat")
	fh, code := m.Lookup(path, wire.Creat)
	require.Equal(t, wire.OK, code)

	rm := recovery.New(m)
	trans := transid.ID{Host: 1, Pid: 1, Sec: 1, Usec: 0}
	lhandle, code := rm.Log(trans, []recovery.WriteRecord{{FH: fh, Offset: 0, Data: []byte("hi")}})
	require.Equal(t, wire.OK, code)
	require.Equal(t, wire.OK, rm.State(lhandle, recovery.StateCommit))
	require.NoError(t, m.Close())

	_, err = Open(dir, 8, zerolog.Nop())
	require.ErrorIs(t, err, ErrRecoveryRequired)
}

// TestRecoverReplaysCommittedWritesAndTruncates covers O1/O3: Recover
// redoes a committed record's writes straight against stable storage and
// truncates the TLOG, after which a plain Open succeeds.
func TestRecoverReplaysCommittedWritesAndTruncates(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 8, zerolog.Nop())
	require.NoError(t, err)

	path := filepath.Join(dir, "a.dat")
	fh, code := m.Lookup(path, wire.Creat)
	require.Equal(t, wire.OK, code)

	rm := recovery.New(m)
	committed := transid.ID{Host: 1, Pid: 1, Sec: 1, Usec: 0}
	lhandle, code := rm.Log(committed, []recovery.WriteRecord{{FH: fh, Offset: 0, Data: []byte("redo-me")}})
	require.Equal(t, wire.OK, code)
	require.Equal(t, wire.OK, rm.State(lhandle, recovery.StateCommit))

	aborted := transid.ID{Host: 1, Pid: 1, Sec: 2, Usec: 0}
	lhandle2, code := rm.Log(aborted, []recovery.WriteRecord{{FH: fh, Offset: 0, Data: []byte("never!!")}})
	require.Equal(t, wire.OK, code)
	require.Equal(t, wire.OK, rm.State(lhandle2, recovery.StateAbort))

	require.NoError(t, m.Close())

	m2, err := Recover(dir, 8, zerolog.Nop())
	require.NoError(t, err)

	buf := make([]byte, 7)
	n, code := m2.Read(fh, 0, buf)
	require.Equal(t, wire.OK, code)
	require.Equal(t, 7, n)
	require.Equal(t, "redo-me", string(buf), "only the committed record's writes should be redone")
	require.False(t, m2.RecoverRequired())
	require.Equal(t, int64(0), m2.tlog.Size())
	require.NoError(t, m2.Close())

	m3, err := Open(dir, 8, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m3.Close())
}
