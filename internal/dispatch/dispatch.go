// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dispatch reads the shared UDP socket and classifies every
// datagram by its length: 100 bytes is an operation header, 25 bytes a
// response, anything else is a body for an operation that announced it,
// or noise. A body that happens to be 25 or 100 bytes long is told apart
// by its zeroed identifier prefix while a body is awaited from its
// source. Headers from unknown peers also feed the peer table, so
// peers announce themselves merely by sending anything.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/ALbertE03/scr-lcp-2025/internal/peers"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
	"github.com/ALbertE03/scr-lcp-2025/internal/transport"
)

// MessageSink receives accepted MESSAGE headers for worker processing.
// Enqueue may block when the ingress queue is full; messages are queued,
// never rejected.
type MessageSink interface {
	Enqueue(hdr protocol.Header, src *net.UDPAddr)
}

// FileSink receives accepted FILE headers. Register acknowledges the
// header itself.
type FileSink interface {
	Register(hdr protocol.Header, src *net.UDPAddr)
}

type Dispatcher struct {
	self      protocol.PeerID
	transport *transport.Transport
	table     *peers.Table
	messages  MessageSink
	files     FileSink
	dropLog   *rate.Limiter
}

func New(self protocol.PeerID, tr *transport.Transport, table *peers.Table, messages MessageSink, files FileSink) *Dispatcher {
	return &Dispatcher{
		self:      self,
		transport: tr,
		table:     table,
		messages:  messages,
		files:     files,
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher@%p", d)
}

// Serve runs the ingress loop until the context is cancelled or the
// socket is closed. A malformed datagram never stops the loop.
func (d *Dispatcher) Serve(ctx context.Context) error {
	buf := make([]byte, transport.ReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, src, err := d.transport.ReadDatagram(buf)
		if err == transport.ErrReadTimeout {
			continue
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return suture.ErrDoNotRestart
			}
			slog.Warn("UDP read failed, retrying", slogutil.Error(err))
			continue
		}

		bs := make([]byte, n)
		copy(bs, buf[:n])
		d.dispatch(bs, src)
	}
}

func (d *Dispatcher) dispatch(bs []byte, src *net.UDPAddr) {
	// A body can be exactly as long as a header or a response (a 17 byte
	// message makes a 25 byte body). Its 8 byte prefix holds a one byte
	// identifier, so its first seven bytes are zero, which no header or
	// response from a named peer has. Such a datagram goes to a waiting
	// body receiver before length classification.
	if len(bs) >= protocol.BodyPrefixSize &&
		bytes.Equal(bs[:protocol.BodyPrefixSize-1], make([]byte, protocol.BodyPrefixSize-1)) &&
		d.transport.DeliverBody(src.IP.String(), bs) {
		metricDatagrams.WithLabelValues("body", "delivered").Inc()
		return
	}

	switch len(bs) {
	case protocol.HeaderSize:
		hdr, err := protocol.UnmarshalHeader(bs)
		if err != nil {
			return
		}
		d.handleHeader(hdr, src)

	case protocol.ResponseSize:
		resp, err := protocol.UnmarshalResponse(bs)
		if err != nil {
			return
		}
		if d.transport.DeliverResponse(src.IP.String(), resp) {
			metricDatagrams.WithLabelValues("response", "delivered").Inc()
			return
		}
		// An unclaimed OK response is a discovery reply: somebody
		// answered our ECHO broadcast.
		if resp.Status == protocol.StatusOK {
			d.table.Touch(resp.Responder, src)
			metricDatagrams.WithLabelValues("response", "discovery").Inc()
		} else {
			metricDatagrams.WithLabelValues("response", "dropped").Inc()
		}

	default:
		if d.transport.DeliverBody(src.IP.String(), bs) {
			metricDatagrams.WithLabelValues("body", "delivered").Inc()
			return
		}
		metricDatagrams.WithLabelValues("other", "dropped").Inc()
		if d.dropLog.Allow() {
			slog.Debug("Dropping datagram of unexpected shape", slog.Int("length", len(bs)), slogutil.Address(src))
		}
	}
}

func (d *Dispatcher) handleHeader(hdr protocol.Header, src *net.UDPAddr) {
	if hdr.From.Equals(d.self) {
		// Our own broadcast looped back to us.
		metricDatagrams.WithLabelValues("header", "self").Inc()
		return
	}

	d.table.Touch(hdr.From, src)

	toSelf := hdr.To.Equals(d.self)
	toAll := hdr.To.IsBroadcast()

	switch {
	case hdr.Op == protocol.EchoOp && (toSelf || toAll):
		d.respond(protocol.StatusOK, src)
		metricDatagrams.WithLabelValues("header", "echo").Inc()

	case hdr.Op == protocol.MessageOp && (toSelf || toAll):
		d.messages.Enqueue(hdr, src)
		metricDatagrams.WithLabelValues("header", "message").Inc()

	case hdr.Op == protocol.FileOp && toSelf:
		d.files.Register(hdr, src)
		metricDatagrams.WithLabelValues("header", "file").Inc()

	default:
		// Wrong recipient or unknown operation.
		d.respond(protocol.StatusBadRequest, src)
		metricDatagrams.WithLabelValues("header", "rejected").Inc()
	}
}

func (d *Dispatcher) respond(status protocol.Status, to *net.UDPAddr) {
	resp := protocol.Response{Status: status, Responder: d.self}
	if err := d.transport.Send(resp.Marshal(), to); err != nil {
		slog.Debug("Cannot send response", slogutil.Address(to), slogutil.Error(err))
	}
}
