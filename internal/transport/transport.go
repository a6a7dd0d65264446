// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport owns the two sockets of a peer: the broadcast capable
// UDP socket and the TCP listener, both on the same well-known port. All
// UDP sends are serialized under one lock. It also keeps the waiter
// registries through which the dispatcher hands response and body frames
// to whichever operation is blocked on them.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
)

// ReadBufferSize bounds a single datagram read. Valid LCP frames are far
// smaller; anything longer is not ours.
const ReadBufferSize = 2048

// readPollInterval is how long a blocking datagram read waits before
// returning ErrReadTimeout, so the dispatcher loop can notice shutdown.
const readPollInterval = time.Second

// ErrReadTimeout is returned by ReadDatagram when no datagram arrived
// within the poll interval. The caller just reads again.
var ErrReadTimeout = fmt.Errorf("datagram read timeout")

type Transport struct {
	udp  *net.UDPConn
	tcp  net.Listener
	port int

	sendMut sync.Mutex

	respWaiters *xsync.MapOf[string, chan protocol.Response]
	bodyWaiters *xsync.MapOf[string, chan []byte]

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the UDP socket (wildcard address, SO_REUSEADDR and
// SO_BROADCAST set) and the TCP listener to the given port. Port zero
// binds UDP to an ephemeral port and puts the TCP listener on the same
// number, which is how tests run several peers on one machine.
func Listen(port int) (*Transport, error) {
	lc := net.ListenConfig{Control: controlBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("udp listen: %w", err)
	}
	udp := pc.(*net.UDPConn)
	actual := udp.LocalAddr().(*net.UDPAddr).Port

	tcp, err := net.Listen("tcp", fmt.Sprintf(":%d", actual))
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("tcp listen: %w", err)
	}

	return &Transport{
		udp:         udp,
		tcp:         tcp,
		port:        actual,
		respWaiters: xsync.NewMapOf[string, chan protocol.Response](),
		bodyWaiters: xsync.NewMapOf[string, chan []byte](),
	}, nil
}

// Port returns the port both sockets are bound to.
func (t *Transport) Port() int {
	return t.port
}

// Send writes one datagram to the given address. Sends from all goroutines
// share the socket and are serialized here.
func (t *Transport) Send(bs []byte, to *net.UDPAddr) error {
	t.sendMut.Lock()
	defer t.sendMut.Unlock()
	_, err := t.udp.WriteToUDP(bs, to)
	return err
}

// ReadDatagram reads one whole datagram into buf, waiting at most the
// poll interval. It returns ErrReadTimeout when nothing arrived in time.
func (t *Transport) ReadDatagram(buf []byte) (int, *net.UDPAddr, error) {
	if err := t.udp.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
		return 0, nil, err
	}
	n, src, err := t.udp.ReadFromUDP(buf)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return 0, nil, ErrReadTimeout
		}
		return 0, nil, err
	}
	return n, src, nil
}

// Accept waits for the next inbound TCP connection.
func (t *Transport) Accept() (net.Conn, error) {
	return t.tcp.Accept()
}

// Close shuts both sockets. Blocked reads and accepts return net.ErrClosed.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		uerr := t.udp.Close()
		terr := t.tcp.Close()
		if uerr != nil {
			t.closeErr = uerr
		} else {
			t.closeErr = terr
		}
	})
	return t.closeErr
}

// AwaitResponse registers interest in the next response frame from the
// given IP. The returned cancel must be called when done. At most one
// waiter exists per IP; conversations with a peer are serialized by its
// lock, so a second registration replaces a stale one.
func (t *Transport) AwaitResponse(ip string) (<-chan protocol.Response, func()) {
	ch := make(chan protocol.Response, 1)
	t.respWaiters.Store(ip, ch)
	return ch, func() { t.respWaiters.Delete(ip) }
}

// DeliverResponse hands a response frame to the waiter for the source IP,
// reporting whether one was found. Responses match on IP only: a peer may
// answer from an ephemeral port.
func (t *Transport) DeliverResponse(ip string, resp protocol.Response) bool {
	ch, ok := t.respWaiters.Load(ip)
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// AwaitBody registers interest in the next body datagram from the given
// IP, in the window between acknowledging a header and receiving its
// body.
func (t *Transport) AwaitBody(ip string) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	t.bodyWaiters.Store(ip, ch)
	return ch, func() { t.bodyWaiters.Delete(ip) }
}

// DeliverBody hands a body datagram to the waiter for the source IP,
// reporting whether one was found.
func (t *Transport) DeliverBody(ip string, bs []byte) bool {
	ch, ok := t.bodyWaiters.Load(ip)
	if !ok {
		return false
	}
	select {
	case ch <- bs:
	default:
	}
	return true
}
