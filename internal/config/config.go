// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config defines the runtime configuration of a peer and its
// validation rules.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ALbertE03/scr-lcp-2025/internal/netutil"
)

const (
	// DefaultPort is the well-known LCP port, used for both UDP control
	// traffic and TCP file streams.
	DefaultPort = 9990

	minDiscoveryPeriod = 5 * time.Second
	maxDiscoveryPeriod = 10 * time.Second
	minPeerTimeout     = 90 * time.Second
	maxFileSends       = 25
)

type Configuration struct {
	// LocalPeerID is the name this peer announces. Empty means derive
	// one from the hostname.
	LocalPeerID string
	// BroadcastAddresses are the IPv4 addresses discovery and broadcast
	// messages are sent to, as dotted quads with an optional :port.
	// Empty means enumerate the local interfaces.
	BroadcastAddresses []string
	// Port is the well-known port for both sockets. Zero picks an
	// ephemeral port, which is only useful in tests.
	Port int
	// DiscoveryPeriod is the interval between ECHO announcements.
	DiscoveryPeriod time.Duration
	// PeerTimeout is the liveness window: peers silent for longer are
	// reported offline.
	PeerTimeout time.Duration
	// MaxConcurrentFileSends overrides the computed transfer cap when
	// positive.
	MaxConcurrentFileSends int
	// ReceivedFileDirectory is where inbound files land.
	ReceivedFileDirectory string
	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
}

func Defaults() Configuration {
	return Configuration{
		Port:                  DefaultPort,
		DiscoveryPeriod:       10 * time.Second,
		PeerTimeout:           90 * time.Second,
		ReceivedFileDirectory: ".",
	}
}

// Validate checks the configuration a host supplied. The peer runtime
// itself accepts whatever it is given; out-of-contract values are caught
// here, at the edge.
func (c *Configuration) Validate() error {
	if !utf8.ValidString(c.LocalPeerID) {
		return fmt.Errorf("peer ID %q is not valid UTF-8", c.LocalPeerID)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DiscoveryPeriod < minDiscoveryPeriod || c.DiscoveryPeriod > maxDiscoveryPeriod {
		return fmt.Errorf("discovery period %v outside [%v, %v]", c.DiscoveryPeriod, minDiscoveryPeriod, maxDiscoveryPeriod)
	}
	if c.PeerTimeout < minPeerTimeout {
		return fmt.Errorf("peer timeout %v below the minimum %v", c.PeerTimeout, minPeerTimeout)
	}
	if c.MaxConcurrentFileSends < 0 || c.MaxConcurrentFileSends > maxFileSends {
		return fmt.Errorf("max concurrent file sends %d out of range", c.MaxConcurrentFileSends)
	}
	if _, err := c.BroadcastUDPAddrs(); err != nil {
		return err
	}
	return nil
}

// BroadcastUDPAddrs resolves the configured broadcast addresses, filling
// in the well-known port where none is given. An empty list falls back
// to the broadcast addresses of the local interfaces.
func (c *Configuration) BroadcastUDPAddrs() ([]*net.UDPAddr, error) {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	if len(c.BroadcastAddresses) == 0 {
		var addrs []*net.UDPAddr
		for _, ip := range netutil.BroadcastAddrs() {
			addrs = append(addrs, &net.UDPAddr{IP: ip, Port: port})
		}
		return addrs, nil
	}

	addrs := make([]*net.UDPAddr, 0, len(c.BroadcastAddresses))
	for _, s := range c.BroadcastAddresses {
		ipStr, portStr := s, ""
		if h, p, err := net.SplitHostPort(s); err == nil {
			ipStr, portStr = h, p
		}
		ip := net.ParseIP(ipStr)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("broadcast address %q is not an IPv4 address", s)
		}
		p := port
		if portStr != "" {
			var err error
			if p, err = strconv.Atoi(portStr); err != nil || p <= 0 || p > 65535 {
				return nil, fmt.Errorf("broadcast address %q has a bad port", s)
			}
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: p})
	}
	return addrs, nil
}
