// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package groups layers named chat groups on top of direct messages.
// There is no group state on the wire: membership travels in-band as
// SYSTEM control messages, and a group send fans out one direct message
// per member. Control messages are consumed before they reach the host.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ALbertE03/scr-lcp-2025/internal/events"
)

const (
	createdPrefix = "SYSTEM:GROUP_CREATED:"
	invitePrefix  = "SYSTEM:GROUP_INVITE:"
)

var (
	ErrExists   = errors.New("group already exists")
	ErrNotFound = errors.New("no such group")
	ErrNotJoined = errors.New("not a member of the group")
)

// Messenger is the slice of the message engine the group layer needs.
type Messenger interface {
	Send(ctx context.Context, to, text string) error
}

// Roster lists the peers currently online.
type Roster interface {
	OnlineNames() []string
}

type Manager struct {
	self      string
	messages  Messenger
	roster    Roster
	evs       *events.Logger

	mut    sync.Mutex
	groups map[string]map[string]struct{}
	joined map[string]struct{}
}

func NewManager(self string, messages Messenger, roster Roster, evs *events.Logger) *Manager {
	return &Manager{
		self:     self,
		messages: messages,
		roster:   roster,
		evs:      evs,
		groups:   make(map[string]map[string]struct{}),
		joined:   make(map[string]struct{}),
	}
}

// Create registers a new group with the local peer as first member and
// announces it to every online peer. Announcement failures are ignored;
// peers that missed it learn of the group when invited.
func (m *Manager) Create(ctx context.Context, name string) error {
	m.mut.Lock()
	if _, ok := m.groups[name]; ok {
		m.mut.Unlock()
		return ErrExists
	}
	m.groups[name] = map[string]struct{}{m.self: {}}
	m.joined[name] = struct{}{}
	m.mut.Unlock()

	for _, peer := range m.roster.OnlineNames() {
		_ = m.messages.Send(ctx, peer, createdPrefix+name)
	}
	return nil
}

// Invite asks a peer to join an existing group.
func (m *Manager) Invite(ctx context.Context, group, peer string) error {
	m.mut.Lock()
	_, ok := m.groups[group]
	m.mut.Unlock()
	if !ok {
		return ErrNotFound
	}
	return m.messages.Send(ctx, peer, invitePrefix+group)
}

// Join adds the local peer to a known group.
func (m *Manager) Join(name string) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	members, ok := m.groups[name]
	if !ok {
		return ErrNotFound
	}
	members[m.self] = struct{}{}
	m.joined[name] = struct{}{}
	return nil
}

// SendMessage fans a message out to every group member except self.
// Partial failure is reported after all members were attempted.
func (m *Manager) SendMessage(ctx context.Context, group, text string) error {
	m.mut.Lock()
	if _, ok := m.joined[group]; !ok {
		m.mut.Unlock()
		return ErrNotJoined
	}
	members := make([]string, 0, len(m.groups[group]))
	for member := range m.groups[group] {
		if member != m.self {
			members = append(members, member)
		}
	}
	m.mut.Unlock()

	var firstErr error
	for _, member := range members {
		if err := m.messages.Send(ctx, member, fmt.Sprintf("[GROUP %s] %s", group, text)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Groups returns the names of all known groups.
func (m *Manager) Groups() []string {
	m.mut.Lock()
	defer m.mut.Unlock()
	names := make([]string, 0, len(m.groups))
	for name := range m.groups {
		names = append(names, name)
	}
	return names
}

// Intercept inspects a received message for group control traffic,
// consuming it when recognized. Installed as the message engine's
// intercept hook.
func (m *Manager) Intercept(peer, text string) bool {
	switch {
	case strings.HasPrefix(text, createdPrefix):
		name := strings.TrimPrefix(text, createdPrefix)
		if name == "" {
			return true
		}
		m.remember(name, peer)
		return true

	case strings.HasPrefix(text, invitePrefix):
		name := strings.TrimPrefix(text, invitePrefix)
		if name == "" {
			return true
		}
		m.remember(name, peer)
		m.evs.Log(events.GroupInvite, events.Invitation{Group: name, From: peer})
		return true
	}
	return false
}

func (m *Manager) remember(group, member string) {
	m.mut.Lock()
	defer m.mut.Unlock()
	members, ok := m.groups[group]
	if !ok {
		members = make(map[string]struct{})
		m.groups[group] = members
	}
	members[member] = struct{}{}
}
