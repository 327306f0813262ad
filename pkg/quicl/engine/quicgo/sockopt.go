// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"fmt"
	"net"
	"strings"
)

func ipv4(s string) (addr [4]byte, err error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		err = fmt.Errorf("invalid IPv4 address %q", s)
		return
	}
	copy(addr[:], ip)
	return
}

// interfaceIndex resolves an IPv6 interface, given as "%zone", "address%zone" or an address
// assigned to the interface.
func interfaceIndex(iface string) (int, error) {
	if i := strings.LastIndexByte(iface, '%'); i >= 0 {
		ifi, err := net.InterfaceByName(iface[i+1:])
		if err != nil {
			return 0, err
		}
		return ifi.Index, nil
	}

	ip := net.ParseIP(iface)
	if ip == nil {
		return 0, fmt.Errorf("invalid interface %q", iface)
	}
	if ip.IsUnspecified() {
		return 0, nil
	}

	ifis, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, ifi := range ifis {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return ifi.Index, nil
			}
		}
	}
	return 0, fmt.Errorf("no interface has address %v", ip)
}
