// Package tcp is the PDS's reference transport implementation: length-
// prefixed framing over net.TCPConn, satisfying pkg/transport's contract
// (spec §6.a). It is the PDS's own domain-specific wire format, with the
// frame header written directly with encoding/binary rather than a
// generic RPC framework (see DESIGN.md); message bodies arrive already
// encoded and are carried as opaque bytes.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/pious-pds/pkg/transport"
	"github.com/cuemby/pious-pds/pkg/wire"
)

// frameHeader is opcode (1 byte) + body length (4 bytes, big-endian).
const frameHeaderSize = 5

// MaxBodySize bounds a single frame's body, guarding against a
// corrupt/hostile length prefix driving an unbounded allocation.
const MaxBodySize = 64 << 20

type conn struct {
	c    net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
	rmu  sync.Mutex
}

// NewConn wraps an already-established net.Conn (accepted or dialed) as
// a transport.Conn.
func NewConn(c net.Conn) transport.Conn {
	return &conn{c: c, r: bufio.NewReader(c)}
}

func (c *conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

func (c *conn) Close() error { return c.c.Close() }

func (c *conn) Send(msg transport.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [frameHeaderSize]byte
	hdr[0] = byte(msg.Op)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(msg.Body)))
	if _, err := c.c.Write(hdr[:]); err != nil {
		return err
	}
	if len(msg.Body) == 0 {
		return nil
	}
	_, err := c.c.Write(msg.Body)
	return err
}

func (c *conn) Receive(ctx context.Context) (transport.Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.c.SetReadDeadline(deadline)
	} else {
		c.c.SetReadDeadline(time.Time{})
	}

	var hdr [frameHeaderSize]byte
	if _, err := readFull(c.r, hdr[:]); err != nil {
		return transport.Message{}, err
	}
	op := wire.Opcode(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxBodySize {
		return transport.Message{}, fmt.Errorf("tcp: frame body %d exceeds max %d", n, MaxBodySize)
	}
	body := make([]byte, n)
	if n > 0 {
		if _, err := readFull(c.r, body); err != nil {
			return transport.Message{}, err
		}
	}
	return transport.Message{Op: op, Body: body}, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type listener struct {
	l net.Listener
}

// Listen opens a TCP listener at addr (host:port, empty host binds all
// interfaces) for the PDS transport.
func Listen(addr string) (transport.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &listener{l: l}, nil
}

func (l *listener) Addr() string { return l.l.Addr().String() }

func (l *listener) Close() error { return l.l.Close() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.l.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return NewConn(r.c), nil
	}
}

// Dial connects to a PDS server's tcp listener, for use by a client
// library (outside this module's core scope, but handy for tests).
func Dial(addr string) (transport.Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}
