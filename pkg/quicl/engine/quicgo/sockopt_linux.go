// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package quicgo

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// bindControl applies the bind flags before the socket is bound.
func bindControl(family quicl.AddressFamily, flags quicl.BindFlags) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if flags&quicl.BindReuseAddr != 0 {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
			}
			if family == quicl.IPv6 {
				v6only := 0
				if flags&quicl.BindIPv6Only != 0 {
					v6only = 1
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// sockopt executes f on the raw file descriptor of conn.
func sockopt(conn *net.UDPConn, f func(fd int) error) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	if err := rc.Control(func(fd uintptr) { sockErr = f(int(fd)) }); err != nil {
		return err
	}
	return sockErr
}

func boolInt(on bool) int {
	if on {
		return 1
	}
	return 0
}

func setTTL(conn *net.UDPConn, family quicl.AddressFamily, ttl int) error {
	return sockopt(conn, func(fd int) error {
		if family == quicl.IPv6 {
			return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
}

func setMulticastTTL(conn *net.UDPConn, family quicl.AddressFamily, ttl int) error {
	return sockopt(conn, func(fd int) error {
		if family == quicl.IPv6 {
			return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, ttl)
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
	})
}

func setBroadcast(conn *net.UDPConn, on bool) error {
	return sockopt(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, boolInt(on))
	})
}

func setMulticastLoopback(conn *net.UDPConn, family quicl.AddressFamily, on bool) error {
	return sockopt(conn, func(fd int) error {
		if family == quicl.IPv6 {
			return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, boolInt(on))
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, boolInt(on))
	})
}

func setMulticastInterface(conn *net.UDPConn, family quicl.AddressFamily, iface string) error {
	if family == quicl.IPv6 {
		index, err := interfaceIndex(iface)
		if err != nil {
			return err
		}
		return sockopt(conn, func(fd int) error {
			return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, index)
		})
	}

	addr, err := ipv4(iface)
	if err != nil {
		return err
	}
	return sockopt(conn, func(fd int) error {
		return unix.SetsockoptInet4Addr(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, addr)
	})
}

func membership(conn *net.UDPConn, family quicl.AddressFamily, group, iface string, join bool) error {
	groupIP := net.ParseIP(group)
	if groupIP == nil {
		return fmt.Errorf("invalid multicast group %q", group)
	}

	if family == quicl.IPv6 {
		mreq := &unix.IPv6Mreq{}
		copy(mreq.Multiaddr[:], groupIP.To16())
		if iface != "" {
			index, err := interfaceIndex(iface)
			if err != nil {
				return err
			}
			mreq.Interface = uint32(index)
		}

		opt := unix.IPV6_JOIN_GROUP
		if !join {
			opt = unix.IPV6_LEAVE_GROUP
		}
		return sockopt(conn, func(fd int) error {
			return unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, opt, mreq)
		})
	}

	mreq := &unix.IPMreq{}
	group4, err := ipv4(group)
	if err != nil {
		return err
	}
	mreq.Multiaddr = group4
	if iface != "" {
		if mreq.Interface, err = ipv4(iface); err != nil {
			return err
		}
	}

	opt := unix.IP_ADD_MEMBERSHIP
	if !join {
		opt = unix.IP_DROP_MEMBERSHIP
	}
	return sockopt(conn, func(fd int) error {
		return unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, opt, mreq)
	})
}
