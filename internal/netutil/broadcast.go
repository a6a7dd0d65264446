// Copyright (C) 2025 The LCP Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package netutil enumerates the IPv4 broadcast addresses of the local
// interfaces. The peer core consumes a plain list of addresses; this is
// the default provider for hosts that do not supply their own.
package netutil

import "net"

// BroadcastAddrs returns one directed broadcast address per global unicast
// IPv4 interface address. When none can be determined it falls back to the limited
// broadcast address 255.255.255.255.
func BroadcastAddrs() []net.IP {
	var dsts []net.IP

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			iaddr, ok := addr.(*net.IPNet)
			if !ok || !iaddr.IP.IsGlobalUnicast() || iaddr.IP.To4() == nil {
				continue
			}
			dsts = append(dsts, bcast(iaddr).IP)
		}
	}

	if len(dsts) == 0 {
		dsts = append(dsts, net.IPv4bcast)
	}
	return dsts
}

func bcast(ip *net.IPNet) *net.IPNet {
	var bc = &net.IPNet{}
	bc.IP = make([]byte, len(ip.IP))
	copy(bc.IP, ip.IP)
	bc.Mask = ip.Mask

	offset := len(bc.IP) - len(bc.Mask)
	for i := range bc.IP {
		if i-offset >= 0 {
			bc.IP[i] = ip.IP[i] | ^ip.Mask[i-offset]
		}
	}
	return bc
}
