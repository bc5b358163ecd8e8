package dispatcher

import (
	"os"

	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/lockmgr"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/transport"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// dispatchControlOp attempts a control op immediately, enqueueing it into
// blockedCtrl if it cannot complete right now (spec §4.6). Every control
// op other than lookup's truncating path completes without blocking.
func (s *Server) dispatchControlOp(conn transport.Conn, msg transport.Message) {
	head, payload, err := decodeCntrlopHead(msg.Body)
	if err != nil {
		return
	}

	switch msg.Op {
	case wire.OpLookup:
		req, err := decodeLookupReq(payload)
		if err != nil {
			head.Result = wire.EINVAL
			conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
			return
		}
		s.runLookup(conn, head, req)
	case wire.OpCacheFlush:
		fh, whole := decodeCacheFlushReq(payload)
		var code wire.Errno
		if whole {
			code = s.CM.Flush()
		} else {
			code = s.CM.FlushFile(fh)
		}
		head.Result = code
		conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
	case wire.OpMkdir:
		req, err := decodePathPermReq(payload)
		if err != nil {
			head.Result = wire.EINVAL
			conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
			return
		}
		head.Result = s.SS.Mkdir(req.Path, os.FileMode(req.Perm))
		conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
	case wire.OpRmdir:
		path, err := decodePathOnlyReq(payload)
		if err != nil {
			head.Result = wire.EINVAL
			conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
			return
		}
		head.Result = s.SS.Rmdir(path)
		conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
	case wire.OpUnlink:
		path, err := decodePathOnlyReq(payload)
		if err != nil {
			head.Result = wire.EINVAL
			conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
			return
		}
		fh, code := s.SS.Lookup(path, wire.NoCreat)
		if code == wire.OK {
			code = s.SS.Unlink(path)
			if code == wire.OK {
				s.CM.InvalidateFile(fh)
			}
		}
		head.Result = code
		conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
	case wire.OpChmod:
		req, err := decodePathPermReq(payload)
		if err != nil {
			head.Result = wire.EINVAL
			conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
			return
		}
		head.Result = s.SS.Chmod(req.Path, os.FileMode(req.Perm))
		conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
	case wire.OpStat:
		path, err := decodePathOnlyReq(payload)
		if err != nil {
			head.Result = wire.EINVAL
			conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
			return
		}
		mode, code := s.SS.Stat(path)
		head.Result = code
		conn.Send(transport.Message{Op: msg.Op, Body: encodeStatReply(head, int32(mode))})
	case wire.OpPing:
		head.Result = wire.OK
		conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
	case wire.OpReset:
		s.runReset(conn, head)
	case wire.OpShutdown:
		s.runShutdown(conn, head)
	}
}

// runLookup implements spec §4.1's lookup sequencing: a non-truncating
// lookup (or a truncating lookup of a not-yet-existing file) runs
// straight through ssm. A truncating lookup of an existing file must
// first acquire an exclusive whole-file lock under a synthetic
// transaction id, so a concurrent transaction holding any lock on the
// file blocks the truncation rather than racing it; only once that lock
// is granted does the truncate happen, followed by invalidating every
// cached block of the file.
func (s *Server) runLookup(conn transport.Conn, head wire.CntrlopHead, req lookupReq) {
	if req.Cflag != wire.CreatTrunc {
		fh, code := s.SS.Lookup(req.Path, req.Cflag)
		head.Result = code
		conn.Send(transport.Message{Op: wire.OpLookup, Body: encodeLookupReply(head, fh)})
		return
	}

	fh, existsCode := s.SS.Lookup(req.Path, wire.NoCreat)
	if existsCode == wire.ENOENT {
		fh, code := s.SS.Lookup(req.Path, wire.CreatTrunc)
		head.Result = code
		conn.Send(transport.Message{Op: wire.OpLookup, Body: encodeLookupReply(head, fh)})
		return
	}
	if existsCode != wire.OK {
		head.Result = existsCode
		conn.Send(transport.Message{Op: wire.OpLookup, Body: encodeLookupReply(head, fhandle.Zero)})
		return
	}

	start, stop := lockmgr.ClampRange(0, lockmgr.MaxOffset)
	fp := opFingerprint{fh: fh, kind: wire.Write, start: start, stop: stop}
	synthTid := s.nextSynthTid()

	if s.fifoConflict(fp) || s.LM.WLock(synthTid, fh, 0, lockmgr.MaxOffset) == lockmgr.Deny {
		s.blockedCtrl = append(s.blockedCtrl, &blockedCtrlOp{
			opcode: wire.OpLookup, conn: conn, head: head, fp: fp,
			synthTid: synthTid, req: req, blockedSince: now(),
		})
		return
	}
	s.finishTruncatingLookup(conn, head, req, fh, synthTid)
}

func (s *Server) finishTruncatingLookup(conn transport.Conn, head wire.CntrlopHead, req lookupReq, fh fhandle.Handle, synthTid transid.ID) {
	resultFh, code := s.SS.Lookup(req.Path, wire.CreatTrunc)
	if code == wire.OK {
		s.CM.InvalidateFile(fh)
	}
	s.LM.WFree(synthTid)
	head.Result = code
	conn.Send(transport.Message{Op: wire.OpLookup, Body: encodeLookupReply(head, resultFh)})
}

// runReset implements spec §4.6's reset: refuses if any transaction
// exists or any op is blocked, otherwise flushes and invalidates the
// cache and truncates the TLOG.
func (s *Server) runReset(conn transport.Conn, head wire.CntrlopHead) {
	if len(s.txTable) > 0 || len(s.blockedTx) > 0 || len(s.blockedCtrl) > 0 {
		head.Result = wire.EBUSY
		conn.Send(transport.Message{Op: wire.OpReset, Body: encodeCntrlopReply(head)})
		return
	}

	code := s.CM.Flush()
	s.CM.Invalidate()
	if code == wire.OK {
		code = s.SS.LogTrunc(0)
	}
	head.Result = code
	conn.Send(transport.Message{Op: wire.OpReset, Body: encodeCntrlopReply(head)})
}

// runShutdown implements spec §4.6's shutdown: outstanding control ops
// get EBUSY, blocked transactions get EABORT, the cache is flushed, and
// the TLOG is truncated only if no prepared transaction remains — a
// prepared transaction's uncertainty window must survive restart.
func (s *Server) runShutdown(conn transport.Conn, head wire.CntrlopHead) {
	for _, c := range s.blockedCtrl {
		c.head.Result = wire.EBUSY
		c.conn.Send(transport.Message{Op: c.opcode, Body: encodeCntrlopReply(c.head)})
	}
	s.blockedCtrl = nil

	for _, e := range append([]*txEntry(nil), s.blockedTx...) {
		s.abortBlockedEntry(e)
	}

	code := s.CM.Flush()

	anyPrepared := false
	for _, e := range s.txTable {
		if e.prepared {
			anyPrepared = true
			break
		}
	}
	if code == wire.OK && !anyPrepared {
		code = s.SS.LogTrunc(0)
	}

	head.Result = code
	conn.Send(transport.Message{Op: wire.OpShutdown, Body: encodeCntrlopReply(head)})

	close(s.shutdownCh)
}

// sweepCtrl completes blocked control ops older than T_dead with EBUSY
// (spec §4.6) and leaves the rest queued.
func (s *Server) sweepCtrl() {
	deadline := now().Add(-s.deadTimeout)
	var remaining []*blockedCtrlOp
	for _, c := range s.blockedCtrl {
		if c.blockedSince.Before(deadline) {
			s.log.Warn().Str("path", c.req.Path).Msg("deadlock sweep: timing out blocked control op")
			c.head.Result = wire.EBUSY
			c.conn.Send(transport.Message{Op: c.opcode, Body: encodeCntrlopReply(c.head)})
			s.LM.WFree(c.synthTid)
			continue
		}
		remaining = append(remaining, c)
	}
	s.blockedCtrl = remaining
}

// retryBlockedCtrl re-attempts every blocked control op in arrival
// order; only lookup's truncating path ever blocks, so this only ever
// retries that one lock acquisition.
func (s *Server) retryBlockedCtrl() {
	if len(s.blockedCtrl) == 0 {
		return
	}
	snapshot := s.blockedCtrl
	remaining := make([]*blockedCtrlOp, 0, len(snapshot))
	for _, c := range snapshot {
		if s.fifoConflictCtrlExcludingIn(snapshot, c, c.fp) || s.LM.WLock(c.synthTid, c.fp.fh, 0, lockmgr.MaxOffset) == lockmgr.Deny {
			remaining = append(remaining, c)
			continue
		}
		s.finishTruncatingLookup(c.conn, c.head, c.req, c.fp.fh, c.synthTid)
	}
	s.blockedCtrl = remaining
}

func (s *Server) fifoConflictCtrlExcludingIn(snapshot []*blockedCtrlOp, self *blockedCtrlOp, fp opFingerprint) bool {
	for _, c := range snapshot {
		if c == self {
			return false
		}
		if c.fp.fh != fp.fh {
			continue
		}
		if !lockmgr.Overlaps(fp.start, fp.stop, c.fp.start, c.fp.stop) {
			continue
		}
		if !lockmgr.Compatible(fp.kind, c.fp.kind) {
			return true
		}
	}
	return false
}
