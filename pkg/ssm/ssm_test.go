package ssm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(dir, 8, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLookupCreatesAndReresolvesSameHandle(t *testing.T) {
	m := newManager(t)
	path := filepath.Join(m.rootDir, "a.dat")

	fh1, code := m.Lookup(path, wire.Creat)
	require.Equal(t, wire.OK, code)

	fh2, code := m.Lookup(path, wire.NoCreat)
	require.Equal(t, wire.OK, code)
	require.Equal(t, fh1, fh2)
}

func TestLookupMissingNoCreatFails(t *testing.T) {
	m := newManager(t)
	_, code := m.Lookup(filepath.Join(m.rootDir, "missing"), wire.NoCreat)
	require.Equal(t, wire.ENOENT, code)
}

func TestLookupOnDirectoryFailsNotReg(t *testing.T) {
	m := newManager(t)
	sub := filepath.Join(m.rootDir, "subdir")
	require.NoError(t, os.Mkdir(sub, 0755))

	_, code := m.Lookup(sub, wire.NoCreat)
	require.Equal(t, wire.ENOTREG, code)
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := newManager(t)
	path := filepath.Join(m.rootDir, "b.dat")
	fh, code := m.Lookup(path, wire.Creat)
	require.Equal(t, wire.OK, code)

	require.Equal(t, wire.OK, m.Write(fh, 0, []byte("hello"), wire.Stable))

	buf := make([]byte, 5)
	n, code := m.Read(fh, 0, buf)
	require.Equal(t, wire.OK, code)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestUnlinkInvalidatesHandle(t *testing.T) {
	m := newManager(t)
	path := filepath.Join(m.rootDir, "c.dat")
	fh, code := m.Lookup(path, wire.Creat)
	require.Equal(t, wire.OK, code)

	require.Equal(t, wire.OK, m.Unlink(path))

	buf := make([]byte, 1)
	_, code = m.Read(fh, 0, buf)
	require.Equal(t, wire.EBADF, code)
}

func TestFaccessReflectsChmod(t *testing.T) {
	m := newManager(t)
	path := filepath.Join(m.rootDir, "d.dat")
	fh, code := m.Lookup(path, wire.Creat)
	require.Equal(t, wire.OK, code)
	require.Equal(t, wire.OK, m.Faccess(fh, wire.AccessRead|wire.AccessWrite))

	require.Equal(t, wire.OK, m.Chmod(path, 0400))
	require.Equal(t, wire.EACCES, m.Faccess(fh, wire.AccessWrite))
}

func TestCheckpointSurvivesFICEviction(t *testing.T) {
	m := newManager(t)

	var paths []string
	for i := 0; i < 20; i++ {
		p := filepath.Join(m.rootDir, string(rune('a'+i))+".dat")
		require.NoError(t, os.WriteFile(p, nil, 0600))
		paths = append(paths, p)
		_, code := m.Lookup(p, wire.NoCreat)
		require.Equal(t, wire.OK, code)
	}

	require.Equal(t, wire.OK, m.Checkpoint())

	// FIC (size 8) has long since evicted the earliest entries; Lookup
	// must still resolve them via the compacted FHDB.
	_, code := m.Lookup(paths[0], wire.NoCreat)
	require.Equal(t, wire.OK, code)
}

func TestMkdirRmdir(t *testing.T) {
	m := newManager(t)
	dir := filepath.Join(m.rootDir, "sub")
	require.Equal(t, wire.OK, m.Mkdir(dir, 0755))
	require.Equal(t, wire.OK, m.Rmdir(dir))
}

func TestFHDBLookupUnmappedAfterUnlinkRecord(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenFHDB(filepath.Join(dir, "fhdb"))
	require.NoError(t, err)
	defer db.Close()

	fh := fhandle.Handle{Dev: 1, Ino: 1}
	_, code := db.AppendMapping(fh, "/x/y")
	require.Equal(t, wire.OK, code)

	path, code := db.Lookup(fh)
	require.Equal(t, wire.OK, code)
	require.Equal(t, "/x/y", path)

	_, code = db.AppendUnmap(fh)
	require.Equal(t, wire.OK, code)

	_, code = db.Lookup(fh)
	require.Equal(t, wire.EBADF, code)
}

func TestFHDBBackwardScanFindsMostRecentMapping(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenFHDB(filepath.Join(dir, "fhdb"))
	require.NoError(t, err)
	defer db.Close()

	fh := fhandle.Handle{Dev: 2, Ino: 2}
	_, code := db.AppendMapping(fh, "/old/path")
	require.Equal(t, wire.OK, code)
	_, code = db.AppendMapping(fh, "/new/path")
	require.Equal(t, wire.OK, code)

	path, code := db.Lookup(fh)
	require.Equal(t, wire.OK, code)
	require.Equal(t, "/new/path", path)
}
