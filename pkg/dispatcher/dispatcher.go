package dispatcher

import (
	"context"
	"time"

	"github.com/cuemby/pious-pds/pkg/cache"
	"github.com/cuemby/pious-pds/pkg/datamgr"
	"github.com/cuemby/pious-pds/pkg/fhandle"
	"github.com/cuemby/pious-pds/pkg/lockmgr"
	pdslog "github.com/cuemby/pious-pds/pkg/log"
	"github.com/cuemby/pious-pds/pkg/recovery"
	"github.com/cuemby/pious-pds/pkg/ssm"
	"github.com/cuemby/pious-pds/pkg/transid"
	"github.com/cuemby/pious-pds/pkg/transport"
	"github.com/cuemby/pious-pds/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultDeadlockInterval is T_dead (spec §4.6): blocked transactions
// older than this, and not holding the minimum transid, are aborted at
// each sweep, which runs every T_dead/2.
const DefaultDeadlockInterval = 4 * time.Second

type txState int

const (
	txActive txState = iota
	txBlocked
	txCompleted
)

// opFingerprint is the auxiliary scheduling record spec §3 names for a
// transaction-table entry's current operation: the byte range and lock
// kind it needs, used by both the lock manager's overlap check and the
// dispatcher's FIFO fairness predicate.
type opFingerprint struct {
	fh          fhandle.Handle
	kind        wire.LockKind
	start, stop int64
}

// pendingTxOp carries everything needed to finish a blocked data
// operation once it is retried and its lock request is granted.
type pendingTxOp struct {
	opcode wire.Opcode
	fp     opFingerprint
	req    readReq
	wreq   writeReq
	fareq  faSintReq
	conn   transport.Conn
}

type txEntry struct {
	id   transid.ID
	seq  uint32
	state txState

	readLocksHeld  bool
	writeLocksHeld bool
	readOnly       bool
	prepared       bool

	receivedAt   time.Time
	blockedSince time.Time

	lastOp         wire.Opcode
	lastReply      transport.Message
	lastReplyValid bool

	pending *pendingTxOp
}

type blockedCtrlOp struct {
	opcode   wire.Opcode
	conn     transport.Conn
	head     wire.CntrlopHead
	fp       opFingerprint
	synthTid transid.ID
	req      lookupReq
	blockedSince time.Time
}

// Server is the PDS dispatcher: the main loop described in spec §4.6.
type Server struct {
	LM *lockmgr.Manager
	CM *cache.Manager
	SS *ssm.Manager
	DM *datamgr.Manager
	RM *recovery.Manager

	log zerolog.Logger

	deadTimeout time.Duration

	txTable     map[transid.ID]*txEntry
	blockedTx   []*txEntry
	blockedCtrl []*blockedCtrlOp

	inbound chan inboundMsg

	fatal      bool
	shutdownCh chan struct{}
	resetting  bool

	profiler Profiler
	metrics  Metrics

	syntheticCounter uint32
}

type inboundMsg struct {
	conn transport.Conn
	msg  transport.Message
}

// Metrics is the narrow counter/gauge surface pkg/metrics implements
// for the dispatcher (spec §6.c); a nil Metrics is valid and every call
// is a no-op, so tests never need a fake.
type Metrics interface {
	ObserveOp(op wire.Opcode, result wire.Errno, elapsed time.Duration)
	SetBlockedDepth(tx, ctrl int)
	IncDeadlockAbort()
}

// Profiler appends one line per completed operation to the optional
// per-op profile trace (spec §6, §4.6.a).
type Profiler interface {
	Record(op wire.Opcode, tid transid.ID, elapsed time.Duration, result wire.Errno)
}

// New builds a dispatcher over the given component managers. metrics and
// profiler may be nil.
func New(lm *lockmgr.Manager, cm *cache.Manager, ss *ssm.Manager, dm *datamgr.Manager, rm *recovery.Manager, log zerolog.Logger, metrics Metrics, profiler Profiler) *Server {
	return &Server{
		LM: lm, CM: cm, SS: ss, DM: dm, RM: rm,
		log:         pdslog.ComponentDispatcher.Logger(log),
		deadTimeout: DefaultDeadlockInterval,
		txTable:     make(map[transid.ID]*txEntry),
		inbound:     make(chan inboundMsg, 64),
		shutdownCh:  make(chan struct{}),
		metrics:     metrics,
		profiler:    profiler,
	}
}

// SetDeadlockInterval overrides T_dead, mainly for tests that want a
// sweep to fire quickly.
func (s *Server) SetDeadlockInterval(d time.Duration) { s.deadTimeout = d }

// Serve accepts connections from l and runs the dispatcher loop until
// ctx is cancelled or shutdown completes.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.acceptLoop(ctx, l)
	return s.Run(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			return
		}
		go s.readLoop(ctx, c)
	}
}

func (s *Server) readLoop(ctx context.Context, c transport.Conn) {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return
		}
		select {
		case s.inbound <- inboundMsg{conn: c, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// Run drives the main loop over messages already arriving on s.inbound;
// exported separately from Serve so tests can feed inbound directly via
// Dispatch without a real listener.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.deadTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case im := <-s.inbound:
			s.dispatch(im.conn, im.msg)
		case <-ticker.C:
			s.sweep()
		case <-s.shutdownCh:
			return nil
		}
		if s.metrics != nil {
			s.metrics.SetBlockedDepth(len(s.blockedTx), len(s.blockedCtrl))
		}
	}
}

// Dispatch feeds one message through the loop synchronously, for tests
// driving the dispatcher without Serve's goroutines.
func (s *Server) Dispatch(conn transport.Conn, msg transport.Message) {
	s.dispatch(conn, msg)
}

// Sweep runs one deadlock-avoidance/timeout pass, for tests that want to
// force it deterministically instead of waiting on the ticker.
func (s *Server) Sweep() { s.sweep() }

func (s *Server) dispatch(conn transport.Conn, msg transport.Message) {
	if s.fatal {
		s.replyFatal(conn, msg)
		return
	}
	if msg.Op.IsTransaction() {
		s.dispatchTransactionOp(conn, msg)
		return
	}
	s.dispatchControlOp(conn, msg)
}

func (s *Server) replyFatal(conn transport.Conn, msg transport.Message) {
	if msg.Op.IsTransaction() {
		head, _, err := decodeTransopHead(msg.Body)
		if err != nil {
			return
		}
		head.Result = wire.EFATAL
		conn.Send(transport.Message{Op: msg.Op, Body: encodeTransopReply(head)})
		return
	}
	head, _, err := decodeCntrlopHead(msg.Body)
	if err != nil {
		return
	}
	head.Result = wire.EFATAL
	conn.Send(transport.Message{Op: msg.Op, Body: encodeCntrlopReply(head)})
}

func (s *Server) setFatal(reason string) {
	s.fatal = true
	s.log.Error().Str("reason", reason).Msg("dispatcher fatal error")
}

func (s *Server) removeTx(id transid.ID) {
	delete(s.txTable, id)
	for i, e := range s.blockedTx {
		if e.id == id {
			s.blockedTx = append(s.blockedTx[:i], s.blockedTx[i+1:]...)
			break
		}
	}
}

func (s *Server) nextSynthTid() transid.ID {
	s.syntheticCounter++
	return transid.ID{Host: 0, Pid: 0, Sec: -1, Usec: int32(s.syntheticCounter)}
}
