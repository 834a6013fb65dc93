// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrTimeout indicates no datagram arrived before the deadline.
	ErrTimeout = errors.New("receive timeout")

	// ErrTransportClosed indicates the transport was closed.
	ErrTransportClosed = errors.New("transport closed")
)

// pollWindow is how long a zero-deadline receive waits on a socket.
// A read deadline already in the past fails without checking the buffer.
const pollWindow = 50 * time.Microsecond

// zeroDeadline asks Receive to poll.
var zeroDeadline time.Time

// Transport moves datagrams between the two endpoints. There is no
// retransmission: a lost datagram stays lost.
type Transport interface {
	// Send transmits one datagram to the fixed peer.
	Send(ctx context.Context, frame []byte) error

	// Receive copies the next datagram into buf and returns its length.
	// It waits until deadline (wall clock); a zero deadline polls.
	// Returns ErrTimeout when nothing arrived in time.
	Receive(ctx context.Context, buf []byte, deadline time.Time) (int, error)

	// Close releases the transport. Pending receives return
	// ErrTransportClosed.
	Close() error
}

// -----------------------------------------------------------------------------
// UDP
// -----------------------------------------------------------------------------

// UDPTransport is a connectionless datagram socket with a fixed local bind
// and a fixed peer.
//
// Datagrams from any other source address are ignored.
type UDPTransport struct {
	conn *net.UDPConn
	peer *net.UDPAddr

	foreign atomic.Uint64
}

// NewUDPTransport binds local and targets peer. Both are "host:port".
func NewUDPTransport(local, peer string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("resolve local %q: %w", local, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return nil, fmt.Errorf("resolve peer %q: %w", peer, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	return &UDPTransport{conn: conn, peer: raddr}, nil
}

// LocalAddr returns the bound address.
func (u *UDPTransport) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Foreign returns how many datagrams from unexpected sources were ignored.
func (u *UDPTransport) Foreign() uint64 { return u.foreign.Load() }

// Send writes frame to the peer.
func (u *UDPTransport) Send(_ context.Context, frame []byte) error {
	_, err := u.conn.WriteToUDP(frame, u.peer)
	return u.mapErr(err)
}

// Receive reads the next datagram from the peer.
func (u *UDPTransport) Receive(ctx context.Context, buf []byte, deadline time.Time) (int, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(pollWindow)
	}
	if err := u.conn.SetReadDeadline(deadline); err != nil {
		return 0, u.mapErr(err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return 0, u.mapErr(err)
		}
		if !from.IP.Equal(u.peer.IP) || from.Port != u.peer.Port {
			u.foreign.Add(1)
			continue
		}
		return n, nil
	}
}

// Close closes the socket.
func (u *UDPTransport) Close() error {
	return u.mapErr(u.conn.Close())
}

func (u *UDPTransport) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, net.ErrClosed):
		return ErrTransportClosed
	default:
		return err
	}
}

// -----------------------------------------------------------------------------
// In-memory pipe
// -----------------------------------------------------------------------------

// PipeEnd is one side of an in-memory datagram link created by Pipe.
//
// Send never blocks: when the peer's queue is full the datagram is dropped,
// as a full socket buffer would.
type PipeEnd struct {
	in   chan []byte
	peer *PipeEnd

	once   sync.Once
	closed chan struct{}

	overflow atomic.Uint64
}

// Pipe returns two connected endpoints, each buffering up to capacity
// datagrams. capacity <= 0 uses 64.
func Pipe(capacity int) (*PipeEnd, *PipeEnd) {
	if capacity <= 0 {
		capacity = 64
	}
	a := &PipeEnd{in: make(chan []byte, capacity), closed: make(chan struct{})}
	b := &PipeEnd{in: make(chan []byte, capacity), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Overflow returns how many datagrams sent to this end were dropped
// because its queue was full.
func (p *PipeEnd) Overflow() uint64 { return p.overflow.Load() }

// Send copies frame into the peer's queue.
func (p *PipeEnd) Send(_ context.Context, frame []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case <-p.peer.closed:
		// Peer gone: the datagram vanishes, as on a real network.
		return nil
	default:
	}
	select {
	case p.peer.in <- append([]byte(nil), frame...):
	default:
		p.peer.overflow.Add(1)
	}
	return nil
}

// Receive returns the next queued datagram, waiting until deadline.
func (p *PipeEnd) Receive(ctx context.Context, buf []byte, deadline time.Time) (int, error) {
	select {
	case frame := <-p.in:
		return copy(buf, frame), nil
	case <-p.closed:
		return 0, ErrTransportClosed
	default:
	}
	wait := time.Until(deadline)
	if deadline.IsZero() || wait <= 0 {
		return 0, ErrTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case frame := <-p.in:
		return copy(buf, frame), nil
	case <-timer.C:
		return 0, ErrTimeout
	case <-p.closed:
		return 0, ErrTransportClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close closes this end. The peer keeps working but its sends vanish.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

var (
	_ Transport = (*UDPTransport)(nil)
	_ Transport = (*PipeEnd)(nil)
)
