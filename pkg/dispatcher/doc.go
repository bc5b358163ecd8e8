// Package dispatcher implements the PDS main loop (spec §4.6): the
// single-threaded, cooperative event loop that receives requests over a
// transport.Listener, enforces the transaction operation protocol
// (transid, seq) and 2PC discipline, schedules data operations through
// the lock manager with FIFO fairness, drives the data manager's
// prepare/commit/abort, retries blocked operations once locks free up,
// sweeps for deadlock avoidance, and handles reset/shutdown.
//
// Nothing below Run ever blocks except the transport Receive call (spec
// §5): all storage and log I/O through ssm/cache/datamgr/recovery is
// synchronous, and the loop itself never spawns goroutines for request
// processing — only for multiplexing multiple client connections onto
// one inbound channel, which is a concession to Go's connection model,
// not internal parallelism in the scheduling sense spec §5 rules out.
package dispatcher
