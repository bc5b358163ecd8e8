// Package inproc is an in-process transport.Conn/Listener pair connected
// by Go channels, for driving the dispatcher without a real socket. The
// seed-scenario tests in pkg/dispatcher do not use it; they call
// Server.Dispatch with a recording fake connection.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/pious-pds/pkg/transport"
)

var errClosed = errors.New("inproc: connection closed")

// conn is one endpoint of an in-process pipe. Send on one endpoint
// enqueues onto the other's receive channel.
type conn struct {
	name string
	out  chan transport.Message
	in   chan transport.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// Pair returns two connected transport.Conn endpoints: messages sent on
// a arrive at b's Receive, and vice versa.
func Pair(nameA, nameB string) (a, b transport.Conn) {
	ab := make(chan transport.Message, 16)
	ba := make(chan transport.Message, 16)
	ca := &conn{name: nameA, out: ab, in: ba, closed: make(chan struct{})}
	cb := &conn{name: nameB, out: ba, in: ab, closed: make(chan struct{})}
	return ca, cb
}

func (c *conn) RemoteAddr() string { return c.name }

func (c *conn) Send(msg transport.Message) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return errClosed
	}
}

func (c *conn) Receive(ctx context.Context) (transport.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return transport.Message{}, errClosed
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Listener hands out conn endpoints created by a test driver calling
// Dial; Accept blocks until Dial supplies one.
type Listener struct {
	mu      sync.Mutex
	pending chan transport.Conn
	next    int
	addr    string
}

func NewListener(addr string) *Listener {
	return &Listener{pending: make(chan transport.Conn, 16), addr: addr}
}

func (l *Listener) Addr() string { return l.addr }

func (l *Listener) Close() error { return nil }

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.pending:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial creates a fresh client/server conn pair, delivers the server side
// to a pending or future Accept call, and returns the client side.
func (l *Listener) Dial() transport.Conn {
	l.mu.Lock()
	l.next++
	n := l.next
	l.mu.Unlock()

	client, server := Pair(fmt.Sprintf("client-%d", n), fmt.Sprintf("server-%d", n))
	l.pending <- server
	return client
}
