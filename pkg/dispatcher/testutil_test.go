package dispatcher

import (
	"context"
	"sync"

	"github.com/cuemby/pious-pds/pkg/cache"
	"github.com/cuemby/pious-pds/pkg/datamgr"
	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/lockmgr"
	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/ssm"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/transport"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/rs/zerolog"
)

// fakeConn is a transport.Conn that records every reply sent to it,
// standing in for a real client connection in scenario tests (spec §8:
// the seed scenarios run against the full stack, not a mocked
// transport — only the client side is faked here, never the server).
type fakeConn struct {
	mu       sync.Mutex
	name     string
	received []transport.Message
}

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) RemoteAddr() string { return c.name }
func (c *fakeConn) Close() error       { return nil }

func (c *fakeConn) Send(msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (transport.Message, error) {
	<-ctx.Done()
	return transport.Message{}, ctx.Err()
}

// last returns the most recently sent message and whether any exists.
func (c *fakeConn) last() (transport.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.received) == 0 {
		return transport.Message{}, false
	}
	return c.received[len(c.received)-1], true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// testStack bundles one full, real (non-mocked) set of component
// managers wired exactly as cmd/piousd wires them, so scenario tests
// exercise the real stack end to end.
type testStack struct {
	dir string
	ss  *ssm.Manager
	lm  *lockmgr.Manager
	cm  *cache.Manager
	rm  *recovery.Manager
	dm  *datamgr.Manager
	srv *Server
}

func newTestStack(dir string) (*testStack, error) {
	ss, err := ssm.Open(dir, 64, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	lm := lockmgr.New()
	cm := cache.New(16, 4096, ss)
	rm := recovery.New(ss)
	dm := datamgr.New(cm, rm)
	srv := New(lm, cm, ss, dm, rm, zerolog.Nop(), nil, nil)
	return &testStack{dir: dir, ss: ss, lm: lm, cm: cm, rm: rm, dm: dm, srv: srv}, nil
}

// newTestStackRecovered mirrors newTestStack but opens via ssm.Recover
// instead of ssm.Open, simulating the restart path spec §4.4/O1 describe
// for a log directory whose TLOG still holds committed-but-uncompacted
// records (No-Undo/Redo logging never removes a record at commit time,
// only a checkpoint-and-recover pass does).
func newTestStackRecovered(dir string) (*testStack, error) {
	ss, err := ssm.Recover(dir, 64, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	lm := lockmgr.New()
	cm := cache.New(16, 4096, ss)
	rm := recovery.New(ss)
	dm := datamgr.New(cm, rm)
	srv := New(lm, cm, ss, dm, rm, zerolog.Nop(), nil, nil)
	return &testStack{dir: dir, ss: ss, lm: lm, cm: cm, rm: rm, dm: dm, srv: srv}, nil
}

func (s *testStack) close() { s.ss.Close() }

// --- request builders: the inverse of codec.go's decode* helpers, i.e.
// what a real client would encode before sending. ---

func transopHeaderBytes(tid transid.ID, seq uint32) *wire.Encoder {
	e := wire.NewEncoder()
	e.PutTransID(tid)
	e.PutUint(seq)
	return e
}

func buildReadReq(tid transid.ID, seq uint32, fh fhandle.Handle, offset int64, n int32) transport.Message {
	e := transopHeaderBytes(tid, seq)
	e.PutFHandle(fh)
	e.PutLong(offset)
	e.PutInt(n)
	return transport.Message{Op: wire.OpRead, Body: e.Bytes()}
}

func buildWriteReq(tid transid.ID, seq uint32, fh fhandle.Handle, offset int64, data []byte) transport.Message {
	e := transopHeaderBytes(tid, seq)
	e.PutFHandle(fh)
	e.PutLong(offset)
	e.PutBlob(data)
	return transport.Message{Op: wire.OpWrite, Body: e.Bytes()}
}

func buildPrepareReq(tid transid.ID, seq uint32) transport.Message {
	e := transopHeaderBytes(tid, seq)
	return transport.Message{Op: wire.OpPrepare, Body: e.Bytes()}
}

func buildCommitReq(tid transid.ID, seq uint32) transport.Message {
	e := transopHeaderBytes(tid, seq)
	return transport.Message{Op: wire.OpCommit, Body: e.Bytes()}
}

func buildAbortReq(tid transid.ID, seq uint32) transport.Message {
	e := transopHeaderBytes(tid, seq)
	return transport.Message{Op: wire.OpAbort, Body: e.Bytes()}
}

func buildLookupReq(msgID uint32, path string, cflag wire.CreateFlag, perm uint32) transport.Message {
	e := wire.NewEncoder()
	e.PutUint(msgID)
	e.PutBlob([]byte(path))
	e.PutByte(byte(cflag))
	e.PutUint(perm)
	return transport.Message{Op: wire.OpLookup, Body: e.Bytes()}
}

// --- reply decoders, the inverse of codec.go's encode* helpers. ---

func decodeReadReply(body []byte) (tid transid.ID, seq uint32, result wire.Errno, data []byte) {
	d := wire.NewDecoder(body)
	tid, _ = d.GetTransID()
	seq, _ = d.GetUint()
	r, _ := d.GetInt()
	data, _ = d.GetBlob()
	return tid, seq, wire.Errno(r), data
}

func decodeTransopReply(body []byte) (tid transid.ID, seq uint32, result wire.Errno) {
	d := wire.NewDecoder(body)
	tid, _ = d.GetTransID()
	seq, _ = d.GetUint()
	r, _ := d.GetInt()
	return tid, seq, wire.Errno(r)
}

func decodeLookupReplyBody(body []byte) (result wire.Errno, fh fhandle.Handle) {
	d := wire.NewDecoder(body)
	_, _ = d.GetUint()
	r, _ := d.GetInt()
	fh, _ = d.GetFHandle()
	return wire.Errno(r), fh
}

func mkTid(host uint64, sec int64) transid.ID {
	return transid.ID{Host: host, Pid: 1, Sec: sec, Usec: 0}
}
