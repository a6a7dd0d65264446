// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package peers tracks which participants are alive on the network and
// where to reach them.
package peers

import (
	"net"
	"sync"
	"time"

	"github.com/ALbertE03/scr-lcp-2025/internal/events"
	"github.com/ALbertE03/scr-lcp-2025/internal/protocol"
)

// A Peer is a snapshot of one table entry.
type Peer struct {
	ID       protocol.PeerID
	Name     string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

type record struct {
	raw      protocol.PeerID
	addr     *net.UDPAddr
	lastSeen time.Time
	online   bool
}

// Table is the registry of known peers, keyed by normalized identifier.
// The local peer never appears in it. All operations are safe for
// concurrent use; snapshots are copies, so no lock is held while the
// caller processes them.
type Table struct {
	self    string
	timeout time.Duration
	evs     *events.Logger

	mut   sync.Mutex
	peers map[string]*record
}

// NewTable creates a table for the given local peer. Peers silent for
// longer than timeout are reported offline by Expire.
func NewTable(self protocol.PeerID, timeout time.Duration, evs *events.Logger) *Table {
	return &Table{
		self:    self.String(),
		timeout: timeout,
		evs:     evs,
		peers:   make(map[string]*record),
	}
}

// Touch records that the peer with the given raw identifier was heard
// from at addr. Any valid traffic counts: an ECHO reply, an ECHO request,
// or an operation header. The local peer and the broadcast identifier are
// ignored. A peer coming (back) online emits exactly one PeerOnline.
func (t *Table) Touch(raw protocol.PeerID, addr *net.UDPAddr) {
	name := raw.String()
	if name == "" || name == t.self || raw.IsBroadcast() {
		return
	}

	t.mut.Lock()
	rec, ok := t.peers[name]
	if !ok {
		rec = &record{}
		t.peers[name] = rec
	}
	wasOnline := rec.online
	rec.raw = raw
	rec.addr = addr
	rec.lastSeen = time.Now()
	rec.online = true
	t.mut.Unlock()

	if !wasOnline {
		t.evs.Log(events.PeerOnline, events.PeerChange{Peer: name, Address: addr.String()})
	}
}

// Expire transitions peers not heard from within the liveness window to
// offline, emitting PeerOffline once per transition.
func (t *Table) Expire(now time.Time) {
	cutoff := now.Add(-t.timeout)

	t.mut.Lock()
	var gone []events.PeerChange
	for name, rec := range t.peers {
		if rec.online && rec.lastSeen.Before(cutoff) {
			rec.online = false
			gone = append(gone, events.PeerChange{Peer: name, Address: rec.addr.String()})
		}
	}
	t.mut.Unlock()

	for _, pc := range gone {
		t.evs.Log(events.PeerOffline, pc)
	}
}

// SnapshotOnline returns a copy of all currently online peers.
func (t *Table) SnapshotOnline() []Peer {
	t.mut.Lock()
	defer t.mut.Unlock()

	var snap []Peer
	for name, rec := range t.peers {
		if !rec.online {
			continue
		}
		snap = append(snap, Peer{
			ID:       rec.raw,
			Name:     name,
			Addr:     rec.addr,
			LastSeen: rec.lastSeen,
		})
	}
	return snap
}

// Resolve returns the address of an online peer by normalized name.
func (t *Table) Resolve(name string) (*net.UDPAddr, bool) {
	t.mut.Lock()
	defer t.mut.Unlock()

	rec, ok := t.peers[name]
	if !ok || !rec.online {
		return nil, false
	}
	return rec.addr, true
}
