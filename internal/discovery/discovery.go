// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discovery announces the local peer and ages out silent ones.
// Each tick broadcasts one ECHO header per configured address; replies
// come back through the regular UDP ingress path and feed the peer
// table there, so this service never reads the socket itself.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ALbertE03/scr-lcp-2025/internal/peers"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
	"github.com/ALbertE03/scr-lcp-2025/internal/transport"
)

const (
	// initialDelay is the pause before the first announcement, letting
	// the rest of the peer finish starting up.
	initialDelay = time.Second
	// errorBackoff is the pause after a failed announcement round.
	errorBackoff = time.Second
)

type Service struct {
	self      protocol.PeerID
	transport *transport.Transport
	table     *peers.Table
	bcast     []*net.UDPAddr
	period    time.Duration
}

func New(self protocol.PeerID, tr *transport.Transport, table *peers.Table, bcast []*net.UDPAddr, period time.Duration) *Service {
	return &Service{
		self:      self,
		transport: tr,
		table:     table,
		bcast:     bcast,
		period:    period,
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("discovery@%p", s)
}

func (s *Service) Serve(ctx context.Context) error {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.announce(); err != nil {
			slog.Warn("Discovery announcement failed", slogutil.Error(err))
			timer.Reset(errorBackoff)
			continue
		}
		s.table.Expire(time.Now())

		timer.Reset(s.period)
	}
}

// announce sends one ECHO header to every broadcast address. The caller
// does not wait for any specific reply; whoever answers shows up in the
// table via the dispatcher.
func (s *Service) announce() error {
	hdr := protocol.Header{
		From: s.self,
		To:   protocol.Broadcast,
		Op:   protocol.EchoOp,
	}
	frame := hdr.Marshal()

	var firstErr error
	sent := 0
	for _, addr := range s.bcast {
		if err := s.transport.Send(frame, addr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}
