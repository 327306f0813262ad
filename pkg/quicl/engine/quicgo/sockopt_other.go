// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package quicgo

import (
	"errors"
	"net"
	"syscall"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

func bindControl(quicl.AddressFamily, quicl.BindFlags) func(string, string, syscall.RawConn) error {
	return nil
}

func setTTL(*net.UDPConn, quicl.AddressFamily, int) error {
	return errors.ErrUnsupported
}

func setMulticastTTL(*net.UDPConn, quicl.AddressFamily, int) error {
	return errors.ErrUnsupported
}

func setBroadcast(*net.UDPConn, bool) error {
	return errors.ErrUnsupported
}

func setMulticastLoopback(*net.UDPConn, quicl.AddressFamily, bool) error {
	return errors.ErrUnsupported
}

func setMulticastInterface(*net.UDPConn, quicl.AddressFamily, string) error {
	return errors.ErrUnsupported
}

func membership(*net.UDPConn, quicl.AddressFamily, string, string, bool) error {
	return errors.ErrUnsupported
}
