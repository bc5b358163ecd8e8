package dispatcher

import (
	"time"

	"github.com/cuemby/pious-pds/pkg/lockmgr"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/transport"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// dispatchTransactionOp runs the transaction operation protocol of spec
// §4.6: validates (transid, seq) against the transaction table, admits a
// new transaction, re-delivers a retained reply on retransmit, drops a
// duplicate still-in-flight request, or aborts the transaction on a
// protocol violation. abort is exempt and always handled immediately.
func (s *Server) dispatchTransactionOp(conn transport.Conn, msg transport.Message) {
	head, payload, err := decodeTransopHead(msg.Body)
	if err != nil {
		return
	}

	if msg.Op == wire.OpAbort {
		s.handleAbort(conn, head)
		return
	}

	tid := head.TransID
	e, known := s.txTable[tid]

	switch {
	case !known && head.Seq == 0:
		e = &txEntry{id: tid, seq: 0, state: txActive, readOnly: true, receivedAt: now()}
		s.txTable[tid] = e
		s.admit(conn, e, msg.Op, head, payload)

	case !known && head.Seq > 0:
		result := wire.EABORT
		if msg.Op == wire.OpCommit {
			result = wire.ENOTLOG
		}
		head.Result = result
		conn.Send(transport.Message{Op: msg.Op, Body: encodeTransopReply(head)})

	case known && head.Seq == e.seq:
		if e.state == txCompleted && e.lastReplyValid {
			conn.Send(e.lastReply)
		}
		// Otherwise still Active/Blocked: silently drop, per spec.

	case known && head.Seq == e.seq+1 && e.state == txCompleted:
		e.seq = head.Seq
		e.state = txActive
		e.lastReplyValid = false
		e.receivedAt = now()
		s.admit(conn, e, msg.Op, head, payload)

	default:
		s.log.Warn().Uint32("seq", head.Seq).Uint32("prev_seq", e.seq).Str("op", msg.Op.String()).Msg("transaction protocol error")
		s.abortEntry(e)
		head.Result = wire.EPROTO
		conn.Send(transport.Message{Op: msg.Op, Body: encodeTransopReply(head)})
	}
}

func (s *Server) admit(conn transport.Conn, e *txEntry, op wire.Opcode, head wire.TransopHead, payload []byte) {
	e.lastOp = op
	switch op {
	case wire.OpRead, wire.OpReadSint:
		req, err := decodeReadReq(payload)
		if err != nil {
			s.completeTx(conn, e, op, head, wire.EINVAL, nil)
			return
		}
		s.scheduleRead(conn, e, op, head, req)
	case wire.OpWrite, wire.OpWriteSint:
		req, err := decodeWriteReq(payload)
		if err != nil {
			s.completeTx(conn, e, op, head, wire.EINVAL, nil)
			return
		}
		s.scheduleWrite(conn, e, op, head, req)
	case wire.OpFaSint:
		req, err := decodeFaSintReq(payload)
		if err != nil {
			s.completeTx(conn, e, op, head, wire.EINVAL, nil)
			return
		}
		s.scheduleFaSint(conn, e, head, req)
	case wire.OpPrepare:
		s.executePrepare(conn, e, head)
	case wire.OpCommit:
		s.executeCommit(conn, e, head)
	}
}

// fifoConflict implements the FIFO fairness predicate (spec §4.6,
// §4.3): a new op is denied scheduling if any already-blocked older op
// conflicts with it on the same file with an incompatible lock kind,
// even if the lock table itself would currently grant the request. This
// is the server's only defence against indefinitely starving a blocked
// writer behind a stream of compatible readers.
func (s *Server) fifoConflict(fp opFingerprint) bool {
	for _, e := range s.blockedTx {
		p := e.pending
		if p == nil || p.fp.fh != fp.fh {
			continue
		}
		if !lockmgr.Overlaps(fp.start, fp.stop, p.fp.start, p.fp.stop) {
			continue
		}
		if !lockmgr.Compatible(fp.kind, p.fp.kind) {
			return true
		}
	}
	for _, c := range s.blockedCtrl {
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

func (s *Server) scheduleRead(conn transport.Conn, e *txEntry, op wire.Opcode, head wire.TransopHead, req readReq) {
	start, stop := lockmgr.ClampRange(req.Offset, int64(req.N))
	fp := opFingerprint{fh: req.FH, kind: wire.Read, start: start, stop: stop}

	if s.fifoConflict(fp) || s.LM.RLock(e.id, req.FH, req.Offset, int64(req.N)) == lockmgr.Deny {
		s.block(e, pendingTxOp{opcode: op, fp: fp, req: req, conn: conn})
		return
	}
	e.readLocksHeld = true
	s.runRead(conn, e, op, head, req)
}

func (s *Server) runRead(conn transport.Conn, e *txEntry, op wire.Opcode, head wire.TransopHead, req readReq) {
	buf := make([]byte, req.N)
	n, code := s.DM.Read(e.id, req.FH, req.Offset, int(req.N), buf)
	s.completeTx(conn, e, op, head, code, buf[:n])
}

func (s *Server) scheduleWrite(conn transport.Conn, e *txEntry, op wire.Opcode, head wire.TransopHead, req writeReq) {
	start, stop := lockmgr.ClampRange(req.Offset, int64(len(req.Data)))
	fp := opFingerprint{fh: req.FH, kind: wire.Write, start: start, stop: stop}

	if s.fifoConflict(fp) || s.LM.WLock(e.id, req.FH, req.Offset, int64(len(req.Data))) == lockmgr.Deny {
		s.block(e, pendingTxOp{opcode: op, fp: fp, wreq: req, conn: conn})
		return
	}
	e.writeLocksHeld = true
	s.runWrite(conn, e, op, head, req)
}

func (s *Server) runWrite(conn transport.Conn, e *txEntry, op wire.Opcode, head wire.TransopHead, req writeReq) {
	code := s.DM.Write(e.id, req.FH, req.Offset, req.Data)
	if code == wire.OK {
		e.readOnly = false
	}
	s.completeTx(conn, e, op, head, code, nil)
}

func (s *Server) scheduleFaSint(conn transport.Conn, e *txEntry, head wire.TransopHead, req faSintReq) {
	offset := req.Index * wire.SintWordSize
	start, stop := lockmgr.ClampRange(offset, wire.SintWordSize)
	fp := opFingerprint{fh: req.FH, kind: wire.Write, start: start, stop: stop}

	if s.fifoConflict(fp) || s.LM.WLock(e.id, req.FH, offset, wire.SintWordSize) == lockmgr.Deny {
		s.block(e, pendingTxOp{opcode: wire.OpFaSint, fp: fp, fareq: req, conn: conn})
		return
	}
	e.writeLocksHeld = true
	s.runFaSint(conn, e, head, req)
}

func (s *Server) runFaSint(conn transport.Conn, e *txEntry, head wire.TransopHead, req faSintReq) {
	offset := req.Index * wire.SintWordSize
	var buf [wire.SintWordSize]byte
	_, code := s.DM.Read(e.id, req.FH, offset, wire.SintWordSize, buf[:])
	if code != wire.OK {
		s.completeTx(conn, e, wire.OpFaSint, head, code, nil)
		return
	}
	dec := wire.NewDecoder(buf[:])
	prior, err := dec.GetLong()
	if err != nil {
		s.completeTx(conn, e, wire.OpFaSint, head, wire.EUNXP, nil)
		return
	}
	enc := wire.NewEncoder()
	enc.PutLong(prior + req.Incr)
	if code := s.DM.Write(e.id, req.FH, offset, enc.Bytes()); code != wire.OK {
		s.completeTx(conn, e, wire.OpFaSint, head, code, nil)
		return
	}
	e.readOnly = false
	head.Result = wire.OK
	e.state = txCompleted
	e.lastReply = transport.Message{Op: wire.OpFaSint, Body: encodeFaSintReply(head, prior)}
	e.lastReplyValid = true
	conn.Send(e.lastReply)
}

// block installs e as Blocked with the given pending op and appends it
// to the blocked-transactions queue in arrival order, which both the
// deadlock sweep and the FIFO fairness predicate rely on.
func (s *Server) block(e *txEntry, pending pendingTxOp) {
	e.state = txBlocked
	e.blockedSince = now()
	e.pending = &pending
	s.blockedTx = append(s.blockedTx, e)
}

// completeTx finishes the current op of e: marks it Completed, encodes
// and retains the reply (invariant I1), and sends it.
func (s *Server) completeTx(conn transport.Conn, e *txEntry, op wire.Opcode, head wire.TransopHead, result wire.Errno, data []byte) {
	head.Result = result
	e.state = txCompleted
	e.pending = nil

	var body []byte
	switch op {
	case wire.OpRead, wire.OpReadSint:
		body = encodeReadReply(head, data)
	default:
		body = encodeTransopReply(head)
	}
	e.lastReply = transport.Message{Op: op, Body: body}
	e.lastReplyValid = true
	conn.Send(e.lastReply)

	if s.profiler != nil {
		s.profiler.Record(op, e.id, now().Sub(e.receivedAt), result)
	}
}

// executePrepare implements DM_prepare's dispatcher-facing half (spec
// §4.4, §4.6): release read locks unconditionally (invariant I2), then
// react to the 2PC outcome — a READONLY vote releases all transaction
// state immediately (P4), a logged prepare keeps write locks held until
// commit/abort, and a log failure aborts the transaction locally.
func (s *Server) executePrepare(conn transport.Conn, e *txEntry, head wire.TransopHead) {
	code := s.DM.Prepare(e.id)
	s.LM.RFree(e.id)
	e.readLocksHeld = false

	switch code {
	case wire.READONLY:
		s.LM.WFree(e.id)
		s.removeTx(e.id)
	case wire.OK:
		e.prepared = true
	default:
		s.LM.WFree(e.id)
		s.writeLocksHeld(e, false)
		s.removeTx(e.id)
	}

	head.Result = code
	e.state = txCompleted
	e.lastReply = transport.Message{Op: wire.OpPrepare, Body: encodeTransopReply(head)}
	e.lastReplyValid = code != wire.READONLY // READONLY transactions left the table; nothing to retain
	conn.Send(e.lastReply)

	if s.profiler != nil {
		s.profiler.Record(wire.OpPrepare, e.id, now().Sub(e.receivedAt), code)
	}
	s.retryBlocked()
}

func (s *Server) writeLocksHeld(e *txEntry, v bool) { e.writeLocksHeld = v }

// executeCommit implements DM_commit's dispatcher-facing half: release
// write locks, escalate a post-log cache failure to recover_required
// (spec §4.4), and retry anything blocked behind the freed locks.
func (s *Server) executeCommit(conn transport.Conn, e *txEntry, head wire.TransopHead) {
	code := s.DM.Commit(e.id)
	s.LM.WFree(e.id)
	e.writeLocksHeld = false

	if code == wire.ERECOV {
		s.SS.SetRecoverRequired(true)
	}
	s.removeTx(e.id)

	head.Result = code
	conn.Send(transport.Message{Op: wire.OpCommit, Body: encodeTransopReply(head)})

	if s.profiler != nil {
		s.profiler.Record(wire.OpCommit, e.id, now().Sub(e.receivedAt), code)
	}
	s.retryBlocked()
}

// handleAbort implements spec §4.6's abort exemption: it may arrive at
// any time, preempts the transaction's current op without ever sending
// that op's reply, and always results in an abort.
func (s *Server) handleAbort(conn transport.Conn, head wire.TransopHead) {
	e, known := s.txTable[head.TransID]
	if known {
		s.DM.Abort(e.id)
		s.LM.RFree(e.id)
		s.LM.WFree(e.id)
		s.removeTx(e.id)
	} else {
		s.DM.Abort(head.TransID)
	}

	head.Result = wire.OK
	conn.Send(transport.Message{Op: wire.OpAbort, Body: encodeTransopReply(head)})
	s.retryBlocked()
}

// abortEntry is the server-initiated abort path for a protocol violation
// (spec §7: EPROTO aborts the transaction at the server) or a deadlock
// sweep victim.
func (s *Server) abortEntry(e *txEntry) {
	s.DM.Abort(e.id)
	s.LM.RFree(e.id)
	s.LM.WFree(e.id)
	s.removeTx(e.id)
}

// retryBlocked re-attempts every blocked control op, then every blocked
// transaction op in insertion order, stopping early if a fatal/recover/
// checkpoint condition trips (spec §4.6).
func (s *Server) retryBlocked() {
	s.retryBlockedCtrl()
	if s.fatal || s.SS.RecoverRequired() || s.SS.CheckpointRequired() {
		return
	}
	s.retryBlockedTx()
}

func (s *Server) retryBlockedTx() {
	// snapshot fixes the arrival-order view the FIFO predicate compares
	// against for this pass: an entry resolved earlier in this same pass
	// must still count as "older and blocked" for anything after it,
	// otherwise a later request could jump a same-tick-resolved one out
	// of order. Each entry's fingerprint is captured up front because
	// completing an op clears its pending record. Building remaining
	// fresh (rather than compacting s.blockedTx in place) keeps that
	// snapshot from being mutated out from under the loop.
	snapshot := append([]*txEntry(nil), s.blockedTx...)
	fps := make([]opFingerprint, len(snapshot))
	for i, e := range snapshot {
		fps[i] = e.pending.fp
	}
	remaining := make([]*txEntry, 0, len(snapshot))
	for i, e := range snapshot {
		if s.fatal {
			remaining = append(remaining, e)
			continue
		}
		p := e.pending
		if s.fifoConflictExcludingIn(fps[:i], p.fp) {
			remaining = append(remaining, e)
			continue
		}
		var decision lockmgr.Decision
		switch p.fp.kind {
		case wire.Read:
			decision = s.LM.RLock(e.id, p.fp.fh, p.fp.start, p.fp.stop-p.fp.start+1)
		case wire.Write:
			decision = s.LM.WLock(e.id, p.fp.fh, p.fp.start, p.fp.stop-p.fp.start+1)
		}
		if decision == lockmgr.Deny {
			remaining = append(remaining, e)
			continue
		}

		conn := p.conn
		head := wire.TransopHead{TransID: e.id, Seq: e.seq}
		switch p.fp.kind {
		case wire.Read:
			e.readLocksHeld = true
			s.runRead(conn, e, p.opcode, head, p.req)
		case wire.Write:
			e.writeLocksHeld = true
			if p.opcode == wire.OpFaSint {
				s.runFaSint(conn, e, head, p.fareq)
			} else {
				s.runWrite(conn, e, p.opcode, head, p.wreq)
			}
		}
	}
	s.blockedTx = remaining
}

// fifoConflictExcludingIn applies the FIFO predicate while retrying an
// entry, scanning the fingerprints of the snapshot entries strictly ahead
// of it (older holds exactly those): an entry is never compared against
// itself.
func (s *Server) fifoConflictExcludingIn(older []opFingerprint, fp opFingerprint) bool {
	for _, o := range older {
		if o.fh != fp.fh {
			continue
		}
		if !lockmgr.Overlaps(fp.start, fp.stop, o.start, o.stop) {
			continue
		}
		if !lockmgr.Compatible(fp.kind, o.kind) {
			return true
		}
	}
	return false
}

// sweep runs the deadlock-avoidance and timeout pass (spec §4.6): blocked
// transactions older than T_dead whose transid is not the minimum among
// the transactions this server knows are aborted; blocked control ops older than T_dead complete
// with EBUSY. If any transaction was aborted, queues are swept once more
// so newly-unblockable ops are retried within the same tick.
func (s *Server) sweep() {
	if s.fatal {
		return
	}
	minID, ok := s.minTransID()
	if !ok {
		s.sweepCtrl()
		return
	}

	deadline := now().Add(-s.deadTimeout)
	var victims []*txEntry
	for _, e := range s.blockedTx {
		if e.blockedSince.Before(deadline) && minID.Less(e.id) {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		s.log.Warn().Str("transid", e.id.String()).Msg("deadlock sweep: aborting non-minimum blocked transaction")
		s.abortBlockedEntry(e)
		if s.metrics != nil {
			s.metrics.IncDeadlockAbort()
		}
	}

	s.sweepCtrl()
	if len(victims) > 0 {
		s.retryBlocked()
	}
}

// abortBlockedEntry aborts a transaction that is currently Blocked,
// replying EABORT to the *blocked* op itself since no reply was ever
// sent for it (unlike handleAbort, which preempts a client-initiated
// abort of an op whose reply is simply dropped).
func (s *Server) abortBlockedEntry(e *txEntry) {
	if p := e.pending; p != nil && p.conn != nil {
		head := wire.TransopHead{TransID: e.id, Seq: e.seq, Result: wire.EABORT}
		p.conn.Send(transport.Message{Op: p.opcode, Body: encodeTransopReply(head)})
	}
	s.DM.Abort(e.id)
	s.LM.RFree(e.id)
	s.LM.WFree(e.id)
	s.removeTx(e.id)
}

func (s *Server) minTransID() (transid.ID, bool) {
	var min transid.ID
	found := false
	for id := range s.txTable {
		if !found || id.Less(min) {
			min = id
			found = true
		}
	}
	return min, found
}

func now() time.Time { return time.Now() }
