// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer implements file delivery: a UDP header handshake that
// authorizes the transfer, then the file body over a dedicated TCP
// connection. Outgoing files pass through a FIFO queue drained by a
// worker pool, with a semaphore capping how many are in flight at once.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/peers"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
	"github.com/ALbertE03/scr-lcp-2025/internal/semaphore"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
	"github.com/ALbertE03/scr-lcp-2025/internal/transport"
)

const (
	// headerAckTimeout is how long the sender waits for the remote to
	// accept a FILE header.
	headerAckTimeout = 5 * time.Second
	// DefaultChunkTimeout bounds each TCP read or write of a transfer.
	DefaultChunkTimeout = 10 * time.Second
	// expectedTTL is how long an accepted FILE header authorizes an
	// inbound TCP connection.
	expectedTTL = 30 * time.Second
	gcInterval  = 5 * time.Second

	chunkSize = 64 << 10

	progressStepPct   = 5
	progressStepBytes = 1 << 20
)

var (
	// ErrUnknownPeer means the recipient is not in the peer table.
	ErrUnknownPeer = errors.New("unknown peer")
	// errShortBody means the TCP stream ended before the promised size.
	errShortBody = errors.New("connection closed before full body")
)

// A SinkFunc produces the writable destination for one received file and
// the path to report to the host.
type SinkFunc func(peer string, fileID uint8, size uint64) (io.WriteCloser, string, error)

type request struct {
	peer string
	path string
}

type expectedTransfer struct {
	fileID   uint8
	size     uint64
	peer     string
	deadline time.Time
}

type Engine struct {
	self         protocol.PeerID
	transport    *transport.Transport
	table        *peers.Table
	convs        *peers.LockCache
	evs          *events.Logger
	workers      int
	gate         *semaphore.Semaphore
	dir          string
	sink         SinkFunc
	chunkTimeout time.Duration

	mut     sync.Mutex
	cond    *sync.Cond
	pending []request

	expected *xsync.MapOf[string, expectedTransfer]
}

// NewEngine creates the file engine. workers is the send pool size;
// maxConcurrent caps transfers in flight. The conversation lock cache is
// shared with the message engine.
func NewEngine(self protocol.PeerID, tr *transport.Transport, table *peers.Table, convs *peers.LockCache, evs *events.Logger, workers, maxConcurrent int, dir string) *Engine {
	e := &Engine{
		self:         self,
		transport:    tr,
		table:        table,
		convs:        convs,
		evs:          evs,
		workers:      workers,
		gate:         semaphore.New(maxConcurrent),
		dir:          dir,
		chunkTimeout: DefaultChunkTimeout,
		expected:     xsync.NewMapOf[string, expectedTransfer](),
	}
	e.cond = sync.NewCond(&e.mut)
	e.sink = e.defaultSink
	return e
}

// SetSink overrides where received files are written.
func (e *Engine) SetSink(fn SinkFunc) {
	e.sink = fn
}

// SetChunkTimeout overrides the per-chunk I/O timeout.
func (e *Engine) SetChunkTimeout(d time.Duration) {
	e.chunkTimeout = d
}

// Enqueue queues one file for delivery to a known peer. The queue itself
// is unbounded; the semaphore limits how many sends run concurrently.
func (e *Engine) Enqueue(to, path string) error {
	if _, ok := e.table.Resolve(to); !ok {
		return ErrUnknownPeer
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	e.mut.Lock()
	e.pending = append(e.pending, request{peer: to, path: path})
	e.mut.Unlock()
	e.cond.Signal()
	metricQueued.Inc()
	return nil
}

func (e *Engine) pop(ctx context.Context) (request, bool) {
	e.mut.Lock()
	defer e.mut.Unlock()
	for len(e.pending) == 0 {
		if ctx.Err() != nil {
			return request{}, false
		}
		e.cond.Wait()
	}
	req := e.pending[0]
	e.pending = e.pending[1:]
	return req, true
}

// Sender returns the service running the outbound worker pool.
func (e *Engine) Sender() *Sender {
	return &Sender{e}
}

type Sender struct {
	e *Engine
}

func (s *Sender) String() string {
	return fmt.Sprintf("transfer.sender@%p", s.e)
}

func (s *Sender) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		// Wake workers parked on the queue so they can observe the
		// cancelled context.
		s.e.mut.Lock()
		s.e.cond.Broadcast()
		s.e.mut.Unlock()
	})
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < s.e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				req, ok := s.e.pop(ctx)
				if !ok {
					return
				}
				s.e.gate.Take(1)
				metricActive.Inc()
				s.e.send(ctx, req)
				metricActive.Dec()
				s.e.gate.Give(1)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (e *Engine) progress(req request, pct int, state events.TransferState) {
	e.evs.Log(events.FileProgress, events.Progress{
		Peer:    req.peer,
		Path:    req.path,
		Percent: pct,
		State:   state,
	})
}

func (e *Engine) fail(req request, pct int, why string, err error) {
	slog.Warn("File transfer failed", slogutil.Peer(req.peer), slogutil.FilePath(req.path), slog.String("phase", why), slogutil.Error(err))
	e.progress(req, pct, events.TransferError)
	metricTransfers.WithLabelValues("send", "error").Inc()
}

// send runs one outbound transfer: the UDP header handshake under the
// peer's conversation lock, then the body over a fresh TCP connection.
func (e *Engine) send(ctx context.Context, req request) {
	e.progress(req, 0, events.TransferInitiating)

	addr, ok := e.table.Resolve(req.peer)
	if !ok {
		e.fail(req, 0, "resolve", ErrUnknownPeer)
		return
	}

	f, err := os.Open(req.path)
	if err != nil {
		e.fail(req, 0, "open", err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		e.fail(req, 0, "stat", err)
		return
	}
	size := fi.Size()
	fileID := uint8(rand.IntN(256))

	hdr := protocol.Header{
		From:       e.self,
		To:         protocol.NewPeerID(req.peer),
		Op:         protocol.FileOp,
		BodyID:     fileID,
		BodyLength: uint64(size),
	}

	resp, err := e.offer(ctx, hdr, addr, req.peer)
	if err != nil {
		e.fail(req, 0, "header", err)
		return
	}
	if resp.Status != protocol.StatusOK {
		e.fail(req, 0, "header", &RejectedError{resp.Status})
		return
	}

	if err := e.stream(ctx, req, addr, fileID, f, size); err != nil {
		e.fail(req, 0, "stream", err)
		return
	}

	e.progress(req, 100, events.TransferCompleted)
	metricTransfers.WithLabelValues("send", "ok").Inc()
}

// offer sends the FILE header and waits for the remote's verdict. It
// holds the conversation lock so the pending acknowledgment cannot be
// confused with a concurrent message exchange with the same peer.
func (e *Engine) offer(ctx context.Context, hdr protocol.Header, addr *net.UDPAddr, peer string) (protocol.Response, error) {
	mut := e.convs.Get(peer)
	mut.Lock()
	defer mut.Unlock()

	ch, cancel := e.transport.AwaitResponse(addr.IP.String())
	defer cancel()
	if err := e.transport.Send(hdr.Marshal(), addr); err != nil {
		return protocol.Response{}, fmt.Errorf("sending header: %w", err)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(headerAckTimeout):
		return protocol.Response{}, errors.New("file header not acknowledged")
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (e *Engine) stream(ctx context.Context, req request, addr *net.UDPAddr, fileID uint8, f *os.File, size int64) error {
	dialer := net.Dialer{Timeout: e.chunkTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port)))
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(e.chunkTimeout))
	if _, err := conn.Write(protocol.MarshalBody(fileID, nil)); err != nil {
		return fmt.Errorf("writing file ID: %w", err)
	}

	buf := make([]byte, chunkSize)
	var sent int64
	lastPct := 0
	nextMark := int64(progressStepBytes)
	for sent < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(e.chunkTimeout))
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing body: %w", werr)
			}
			sent += int64(n)

			pct := int(sent * 100 / size)
			if pct > 100 {
				pct = 100
			}
			if pct >= lastPct+progressStepPct || sent >= nextMark {
				for sent >= nextMark {
					nextMark += progressStepBytes
				}
				lastPct = pct
				e.progress(req, pct, events.TransferProgress)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("reading file: %w", rerr)
		}
	}
	if sent != size {
		return fmt.Errorf("file size changed during transfer: sent %d of %d", sent, size)
	}
	if lastPct < 100 {
		e.progress(req, 100, events.TransferProgress)
	}

	conn.SetReadDeadline(time.Now().Add(e.chunkTimeout))
	rbuf := make([]byte, protocol.ResponseSize)
	if _, err := io.ReadFull(conn, rbuf); err != nil {
		return fmt.Errorf("reading final response: %w", err)
	}
	resp, err := protocol.UnmarshalResponse(rbuf)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return &RejectedError{resp.Status}
	}
	return nil
}

// RejectedError carries a non-OK status received from the remote.
type RejectedError struct {
	Status protocol.Status
}

func (e *RejectedError) Error() string {
	return "rejected by peer: " + e.Status.String()
}

func (e *Engine) defaultSink(peer string, _ uint8, _ uint64) (io.WriteCloser, string, error) {
	name := fmt.Sprintf("lcp_file_%d_%s.dat", time.Now().Unix(), peer)
	path := filepath.Join(e.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
