// Package transport defines the contract the dispatcher compiles against
// for the message transport spec.md names as an external collaborator
// (§1 Non-goals, §6.a): reliable point-to-point messages between a client
// and this server. Nothing in this package decides retransmit or 2PC
// protocol semantics — that is the dispatcher's job, over whatever Conn
// it is handed.
package transport

import (
	"context"

	"github.com/cuemby/pious-pds/pkg/wire"
)

// Message is one wire-framed request or reply: an opcode plus its
// already-encoded body (a TransopHead/CntrlopHead followed by the
// operation's payload, built with pkg/wire's packing primitives).
type Message struct {
	Op   wire.Opcode
	Body []byte
}

// Conn is one client's reliable, order-preserving channel to this server
// (spec §5 ordering guarantee 6: the transport must preserve order
// between a given client/server pair).
type Conn interface {
	Receive(ctx context.Context) (Message, error)
	Send(Message) error
	Close() error
	// RemoteAddr identifies the peer for logging/metrics; transports
	// that have no notion of an address (e.g. an in-process pipe) may
	// return an arbitrary stable string.
	RemoteAddr() string
}

// Listener accepts new client connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() string
}
