// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
)

// Register records that the peer behind src announced an inbound file
// and acknowledges the header. The entry authorizes exactly one TCP
// connection from that source IP within the deadline; a newer header
// from the same IP replaces any older entry.
func (e *Engine) Register(hdr protocol.Header, src *net.UDPAddr) {
	e.expected.Store(src.IP.String(), expectedTransfer{
		fileID:   hdr.BodyID,
		size:     hdr.BodyLength,
		peer:     hdr.From.String(),
		deadline: time.Now().Add(expectedTTL),
	})
	e.respond(protocol.StatusOK, src)
}

func (e *Engine) respond(status protocol.Status, to *net.UDPAddr) {
	resp := protocol.Response{Status: status, Responder: e.self}
	if err := e.transport.Send(resp.Marshal(), to); err != nil {
		slog.Debug("Cannot send response", slogutil.Address(to), slogutil.Error(err))
	}
}

// Receiver returns the service accepting inbound TCP file streams.
func (e *Engine) Receiver() *Receiver {
	return &Receiver{e}
}

type Receiver struct {
	e *Engine
}

func (r *Receiver) String() string {
	return fmt.Sprintf("transfer.receiver@%p", r.e)
}

func (r *Receiver) Serve(ctx context.Context) error {
	for {
		conn, err := r.e.transport.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return suture.ErrDoNotRestart
			}
			slog.Warn("TCP accept failed, retrying", slogutil.Error(err))
			continue
		}
		go r.e.handle(conn)
	}
}

func (e *Engine) handle(conn net.Conn) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	e.handleConn(conn, tcpAddr.IP.String())
}

// handleConn serves one inbound connection: read the file ID, match it
// to an expected transfer from this source IP, stream the promised
// number of bytes to the sink, then answer on the same connection before
// closing.
func (e *Engine) handleConn(conn net.Conn, ip string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(e.chunkTimeout))
	var prefix [protocol.BodyPrefixSize]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		e.replyTCP(conn, protocol.StatusBadRequest)
		metricTransfers.WithLabelValues("recv", "orphan").Inc()
		return
	}
	fileID := binary.BigEndian.Uint64(prefix[:])

	exp, ok := e.expected.LoadAndDelete(ip)
	if !ok || time.Now().After(exp.deadline) || byte(fileID) != exp.fileID {
		slog.Debug("Rejecting unexpected TCP file stream", slogutil.Address(conn.RemoteAddr()))
		e.replyTCP(conn, protocol.StatusBadRequest)
		metricTransfers.WithLabelValues("recv", "orphan").Inc()
		return
	}

	w, path, err := e.sink(exp.peer, exp.fileID, exp.size)
	if err != nil {
		slog.Warn("Cannot open sink for received file", slogutil.Peer(exp.peer), slogutil.Error(err))
		e.replyTCP(conn, protocol.StatusInternalError)
		metricTransfers.WithLabelValues("recv", "error").Inc()
		return
	}

	err = e.drain(conn, w, exp.size)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if path != "" {
			os.Remove(path)
		}
		slog.Warn("Inbound file transfer failed", slogutil.Peer(exp.peer), slogutil.Error(err))
		e.replyTCP(conn, protocol.StatusBadRequest)
		metricTransfers.WithLabelValues("recv", "error").Inc()
		return
	}

	e.replyTCP(conn, protocol.StatusOK)
	metricTransfers.WithLabelValues("recv", "ok").Inc()
	e.evs.Log(events.FileReceived, events.File{Peer: exp.peer, Path: path})
}

// drain copies exactly size bytes from the connection to the sink, with
// the per-chunk timeout applied to every read. A stream that ends early
// is an error; trailing bytes are simply never read.
func (e *Engine) drain(conn net.Conn, w io.Writer, size uint64) error {
	buf := make([]byte, chunkSize)
	var written uint64
	for written < size {
		chunk := uint64(chunkSize)
		if left := size - written; left < chunk {
			chunk = left
		}
		conn.SetReadDeadline(time.Now().Add(e.chunkTimeout))
		n, err := conn.Read(buf[:chunk])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			written += uint64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if written != size {
		return errShortBody
	}
	return nil
}

func (e *Engine) replyTCP(conn net.Conn, status protocol.Status) {
	resp := protocol.Response{Status: status, Responder: e.self}
	conn.SetWriteDeadline(time.Now().Add(e.chunkTimeout))
	if _, err := conn.Write(resp.Marshal()); err != nil {
		slog.Debug("Cannot send TCP response", slogutil.Address(conn.RemoteAddr()), slogutil.Error(err))
	}
}

// GC returns the service that expires stale expected transfers.
func (e *Engine) GC() *GC {
	return &GC{e}
}

type GC struct {
	e *Engine
}

func (g *GC) String() string {
	return fmt.Sprintf("transfer.gc@%p", g.e)
}

func (g *GC) Serve(ctx context.Context) error {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			g.e.expected.Range(func(ip string, _ expectedTransfer) bool {
				g.e.expected.Compute(ip, func(exp expectedTransfer, loaded bool) (expectedTransfer, bool) {
					// Delete only when the current entry is expired; a
					// fresh header may have replaced the one we saw.
					// Returning delete for a missing entry is a no-op.
					return exp, !loaded || now.After(exp.deadline)
				})
				return true
			})
		}
	}
}
