// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package messaging implements the three-phase message exchange: header,
// acknowledgment, body, acknowledgment. Sends to one remote peer are
// serialized under that peer's conversation lock, and one sender's
// inbound messages never interleave with each other on the receive side.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/peers"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
	"github.com/ALbertE03/scr-lcp-2025/internal/transport"
)

// Phase timeouts. Vars so tests can shorten them.
var (
	// headerAckTimeout is how long we wait for the acknowledgment of a
	// message header before retrying.
	headerAckTimeout = 2 * time.Second
	// bodyAckTimeout is how long we wait for the final acknowledgment
	// after sending the body.
	bodyAckTimeout = 3 * time.Second
	// bodyWaitTimeout is how long the receive side waits for the body
	// datagram after acknowledging a header.
	bodyWaitTimeout = 5 * time.Second
)

const (
	sendAttempts = 3
	retryBackoff = 500 * time.Millisecond

	// broadcastGap separates the header and body passes of a broadcast,
	// giving receivers time to start waiting for the body. Broadcasts
	// are best effort either way.
	broadcastGap = 100 * time.Millisecond

	ingressQueueLen = 512
)

var (
	// ErrUnknownPeer means the recipient is not in the peer table.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrNoAck means the remote never acknowledged within the retry
	// budget.
	ErrNoAck = errors.New("no acknowledgment from peer")
)

// RejectedError carries a non-OK status received from the remote.
type RejectedError struct {
	Status protocol.Status
}

func (e *RejectedError) Error() string {
	return "rejected by peer: " + e.Status.String()
}

type task struct {
	hdr protocol.Header
	src *net.UDPAddr
}

type Engine struct {
	self      protocol.PeerID
	transport *transport.Transport
	table     *peers.Table
	convs     *peers.LockCache
	recvs     *peers.LockCache
	evs       *events.Logger
	workers   int
	bcast     []*net.UDPAddr
	queue     chan task
	stopped   chan struct{}
	stopOnce  sync.Once

	intercept func(peer, text string) bool
}

// NewEngine creates the message engine. The conversation lock cache is
// shared with the file engine so that a message exchange and a file
// header exchange with the same peer never contend for the same pending
// acknowledgment. workers is the size of the inbound processing pool.
func NewEngine(self protocol.PeerID, tr *transport.Transport, table *peers.Table, convs *peers.LockCache, evs *events.Logger, workers int, bcast []*net.UDPAddr) *Engine {
	return &Engine{
		self:      self,
		transport: tr,
		table:     table,
		convs:     convs,
		recvs:     peers.NewLockCache(128),
		evs:       evs,
		workers:   workers,
		bcast:     bcast,
		queue:     make(chan task, ingressQueueLen),
		stopped:   make(chan struct{}),
	}
}

// SetIntercept installs a hook that sees every received message before
// the MessageReceived event fires. Returning true consumes the message.
// Used for in-band control traffic such as group management.
func (e *Engine) SetIntercept(fn func(peer, text string) bool) {
	e.intercept = fn
}

// Enqueue hands an accepted MESSAGE header to the worker pool. It blocks
// when the ingress queue is full; messages are queued, never rejected.
// Once the pool has stopped the header is discarded instead, so a full
// queue cannot wedge the dispatcher during shutdown.
func (e *Engine) Enqueue(hdr protocol.Header, src *net.UDPAddr) {
	select {
	case e.queue <- task{hdr, src}:
	case <-e.stopped:
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("messaging@%p", e)
}

// Serve runs the inbound worker pool until the context is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.stopped) })

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tk := <-e.queue:
					e.receive(ctx, tk.hdr, tk.src)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Send delivers one message to a known peer, running the full exchange:
// header, acknowledgment, body, acknowledgment. The header phase retries
// on timeout; a non-OK status at either phase aborts. Concurrent sends to
// the same peer are serialized in submission order.
func (e *Engine) Send(ctx context.Context, to, text string) error {
	addr, ok := e.table.Resolve(to)
	if !ok {
		return ErrUnknownPeer
	}

	payload := []byte(text)
	id := uint8(time.Now().UnixMilli())
	hdr := protocol.Header{
		From:       e.self,
		To:         protocol.NewPeerID(to),
		Op:         protocol.MessageOp,
		BodyID:     id,
		BodyLength: uint64(len(payload)),
	}

	mut := e.convs.Get(to)
	mut.Lock()
	defer mut.Unlock()

	ip := addr.IP.String()

	resp, err := e.sendHeader(ctx, hdr, addr, ip)
	if err != nil {
		metricSent.WithLabelValues("error").Inc()
		return err
	}
	if resp.Status != protocol.StatusOK {
		metricSent.WithLabelValues("rejected").Inc()
		return &RejectedError{resp.Status}
	}

	ch, cancel := e.transport.AwaitResponse(ip)
	defer cancel()
	if err := e.transport.Send(protocol.MarshalBody(id, payload), addr); err != nil {
		metricSent.WithLabelValues("error").Inc()
		return fmt.Errorf("sending body: %w", err)
	}
	select {
	case resp = <-ch:
	case <-time.After(bodyAckTimeout):
		metricSent.WithLabelValues("timeout").Inc()
		return ErrNoAck
	case <-ctx.Done():
		return ctx.Err()
	}
	if resp.Status != protocol.StatusOK {
		metricSent.WithLabelValues("rejected").Inc()
		return &RejectedError{resp.Status}
	}

	metricSent.WithLabelValues("ok").Inc()
	return nil
}

func (e *Engine) sendHeader(ctx context.Context, hdr protocol.Header, addr *net.UDPAddr, ip string) (protocol.Response, error) {
	frame := hdr.Marshal()
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return protocol.Response{}, ctx.Err()
			}
		}

		ch, cancel := e.transport.AwaitResponse(ip)
		if err := e.transport.Send(frame, addr); err != nil {
			cancel()
			return protocol.Response{}, fmt.Errorf("sending header: %w", err)
		}
		select {
		case resp := <-ch:
			cancel()
			return resp, nil
		case <-time.After(headerAckTimeout):
			cancel()
			slog.Debug("Message header not acknowledged", slogutil.Address(addr), slog.Int("attempt", attempt+1))
		case <-ctx.Done():
			cancel()
			return protocol.Response{}, ctx.Err()
		}
	}
	return protocol.Response{}, ErrNoAck
}

// Broadcast sends one message to every broadcast address: the header to
// each, a short pause, then the body to each. No acknowledgments, no
// retries, no delivery guarantee.
func (e *Engine) Broadcast(ctx context.Context, text string) error {
	payload := []byte(text)
	id := uint8(time.Now().UnixMilli())
	hdr := protocol.Header{
		From:       e.self,
		To:         protocol.Broadcast,
		Op:         protocol.MessageOp,
		BodyID:     id,
		BodyLength: uint64(len(payload)),
	}

	frame := hdr.Marshal()
	var firstErr error
	for _, addr := range e.bcast {
		if err := e.transport.Send(frame, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	select {
	case <-time.After(broadcastGap):
	case <-ctx.Done():
		return ctx.Err()
	}

	body := protocol.MarshalBody(id, payload)
	for _, addr := range e.bcast {
		if err := e.transport.Send(body, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		metricSent.WithLabelValues("broadcast-error").Inc()
		return firstErr
	}
	metricSent.WithLabelValues("broadcast").Inc()
	return nil
}

// receive runs the receiver state machine for one accepted header:
// acknowledge, await the body from the same source IP, validate, then
// acknowledge again and deliver. Any mismatch is answered with
// BAD_REQUEST and dropped; a missing body with INTERNAL_ERROR.
func (e *Engine) receive(ctx context.Context, hdr protocol.Header, src *net.UDPAddr) {
	name := hdr.From.String()
	mut := e.recvs.Get(name)
	mut.Lock()
	defer mut.Unlock()

	// Start waiting for the body before acknowledging the header, or
	// the body could slip past the dispatcher unclaimed. The body may
	// come from another port on the same host, never another host.
	ch, cancel := e.transport.AwaitBody(src.IP.String())
	defer cancel()

	e.respond(protocol.StatusOK, src)

	var bs []byte
	select {
	case bs = <-ch:
	case <-time.After(bodyWaitTimeout):
		e.respond(protocol.StatusInternalError, src)
		metricReceived.WithLabelValues("timeout").Inc()
		return
	case <-ctx.Done():
		return
	}

	prefix, payload, err := protocol.SplitBody(bs)
	switch {
	case err != nil,
		byte(prefix) != hdr.BodyID,
		uint64(len(payload)) != hdr.BodyLength,
		!utf8.Valid(payload):
		e.respond(protocol.StatusBadRequest, src)
		metricReceived.WithLabelValues("invalid").Inc()
		return
	}

	e.respond(protocol.StatusOK, src)
	metricReceived.WithLabelValues("ok").Inc()

	text := string(payload)
	if e.intercept != nil && e.intercept(name, text) {
		return
	}
	e.evs.Log(events.MessageReceived, events.Message{Peer: name, Text: text})
}

func (e *Engine) respond(status protocol.Status, to *net.UDPAddr) {
	resp := protocol.Response{Status: status, Responder: e.self}
	if err := e.transport.Send(resp.Marshal(), to); err != nil {
		slog.Debug("Cannot send response", slogutil.Address(to), slogutil.Error(err))
	}
}
