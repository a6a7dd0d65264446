// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package lcp assembles the peer runtime: sockets, peer table, the three
// operation engines and their worker pools, all supervised together.
// This is the API a host program talks to.
package lcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/ALbertE03/scr-lcp-2025/internal/config"
	"github.com/ALbertE03/scr-lcp-2025/internal/discovery"
	"github.com/ALbertE03/scr-lcp-2025/internal/dispatch"
	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/groups"
	"github.com/ALbertE03/scr-lcp-2025/internal/messaging"
	"github.com/ALbertE03/scr-lcp-2025/internal/peers"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
	"github.com/ALbertE03/scr-lcp-2025/internal/slogutil"
	"github.com/ALbertE03/scr-lcp-2025/internal/sysres"
	"github.com/ALbertE03/scr-lcp-2025/internal/transfer"
	"github.com/ALbertE03/scr-lcp-2025/internal/transport"
)

const lockCacheSize = 128

type Peer struct {
	id        protocol.PeerID
	transport *transport.Transport
	table     *peers.Table
	evs       *events.Logger
	messages  *messaging.Engine
	transfers *transfer.Engine
	groups    *groups.Manager
	sup       *suture.Supervisor

	cancel   context.CancelFunc
	done     <-chan error
	stopOnce sync.Once
	stopErr  error
}

// New builds a peer from the configuration but does not start any
// traffic; call Start. The sockets are bound here, so New fails early
// when the port is taken.
func New(cfg config.Configuration) (*Peer, error) {
	id, err := localID(cfg)
	if err != nil {
		return nil, err
	}

	bcast, err := cfg.BroadcastUDPAddrs()
	if err != nil {
		return nil, err
	}

	sizing := sysres.Compute(sysres.Probe())
	maxConcurrent := sizing.MaxConcurrent
	if cfg.MaxConcurrentFileSends > 0 {
		maxConcurrent = cfg.MaxConcurrentFileSends
	}
	slog.Debug("Worker sizing",
		slog.Int("msgWorkers", sizing.MsgWorkers),
		slog.Int("fileWorkers", sizing.FileWorkers),
		slog.Int("maxConcurrent", maxConcurrent))

	tr, err := transport.Listen(cfg.Port)
	if err != nil {
		return nil, err
	}

	evs := events.NewLogger()
	table := peers.NewTable(id, cfg.PeerTimeout, evs)
	convs := peers.NewLockCache(lockCacheSize)

	dir := cfg.ReceivedFileDirectory
	if dir == "" {
		dir = "."
	}

	messages := messaging.NewEngine(id, tr, table, convs, evs, sizing.MsgWorkers, bcast)
	transfers := transfer.NewEngine(id, tr, table, convs, evs, sizing.FileWorkers, maxConcurrent, dir)
	grp := groups.NewManager(id.String(), messages, roster{table}, evs)
	messages.SetIntercept(grp.Intercept)

	sup := suture.NewSimple("lcp")
	sup.Add(dispatch.New(id, tr, table, messages, transfers))
	sup.Add(messages)
	sup.Add(transfers.Sender())
	sup.Add(transfers.Receiver())
	sup.Add(transfers.GC())
	sup.Add(discovery.New(id, tr, table, bcast, cfg.DiscoveryPeriod))

	return &Peer{
		id:        id,
		transport: tr,
		table:     table,
		evs:       evs,
		messages:  messages,
		transfers: transfers,
		groups:    grp,
		sup:       sup,
	}, nil
}

func localID(cfg config.Configuration) (protocol.PeerID, error) {
	if cfg.LocalPeerID != "" {
		return protocol.NewPeerID(cfg.LocalPeerID), nil
	}
	host, err := os.Hostname()
	if err != nil {
		return protocol.PeerID{}, err
	}
	return protocol.DerivePeerID(host), nil
}

// Start launches the supervised services. The peer announces itself
// within a second and keeps running until Stop.
func (p *Peer) Start() {
	p.evs.Log(events.Starting, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = p.sup.ServeBackground(ctx)
	p.evs.Log(events.StartupComplete, nil)
	slog.Info("Peer started", slogutil.Peer(p.id.String()), slog.Int("port", p.transport.Port()))
}

// Stop cancels all services, closes both sockets and waits for the
// supervisor to wind down. In-flight file transfers abort with an error
// progress event.
func (p *Peer) Stop() error {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			p.stopErr = p.transport.Close()
			return
		}
		p.cancel()
		p.transport.Close()
		if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
			p.stopErr = err
		}
	})
	return p.stopErr
}

// ID returns the normalized local peer identifier.
func (p *Peer) ID() string {
	return p.id.String()
}

// Port returns the actual bound port.
func (p *Peer) Port() int {
	return p.transport.Port()
}

// SendMessage delivers one message to a known peer, blocking through the
// acknowledged exchange.
func (p *Peer) SendMessage(ctx context.Context, to, text string) error {
	return p.messages.Send(ctx, to, text)
}

// Broadcast sends a best-effort message to everyone on the network.
func (p *Peer) Broadcast(ctx context.Context, text string) error {
	return p.messages.Broadcast(ctx, text)
}

// SendFile queues a file for delivery. Progress arrives as FileProgress
// events.
func (p *Peer) SendFile(to, path string) error {
	return p.transfers.Enqueue(to, path)
}

// SetFileSink overrides where received files are written.
func (p *Peer) SetFileSink(fn transfer.SinkFunc) {
	p.transfers.SetSink(fn)
}

// Peers returns a snapshot of the peers currently online.
func (p *Peer) Peers() []peers.Peer {
	return p.table.SnapshotOnline()
}

// Groups returns the group chat manager.
func (p *Peer) Groups() *groups.Manager {
	return p.groups
}

// Subscribe returns an event subscription for the given type mask.
func (p *Peer) Subscribe(mask events.EventType) *events.Subscription {
	return p.evs.Subscribe(mask)
}

// Unsubscribe releases a subscription.
func (p *Peer) Unsubscribe(s *events.Subscription) {
	p.evs.Unsubscribe(s)
}

type roster struct {
	table *peers.Table
}

func (r roster) OnlineNames() []string {
	snap := r.table.SnapshotOnline()
	names := make([]string, len(snap))
	for i, p := range snap {
		names[i] = p.Name
	}
	return names
}
