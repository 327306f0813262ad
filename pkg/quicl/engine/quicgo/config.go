// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// quicConfig translates a session's transport parameters into a quic.Config.
func quicConfig(cfg quicl.SessionConfig, handshakeTimeout time.Duration) *quic.Config {
	v := func(idx quicl.ParamIndex) uint64 { return cfg.Values[idx] }

	streamWindow := max(v(quicl.IdxMaxStreamDataBidiLocal), v(quicl.IdxMaxStreamDataBidiRemote), v(quicl.IdxMaxStreamDataUni))

	conf := &quic.Config{
		HandshakeIdleTimeout:           handshakeTimeout,
		MaxIdleTimeout:                 time.Duration(v(quicl.IdxIdleTimeout)) * time.Millisecond,
		InitialStreamReceiveWindow:     v(quicl.IdxMaxStreamDataBidiLocal),
		MaxStreamReceiveWindow:         streamWindow,
		InitialConnectionReceiveWindow: v(quicl.IdxMaxData),
		MaxConnectionReceiveWindow:     max(v(quicl.IdxMaxData), streamWindow),
		MaxIncomingStreams:             incomingStreams(v(quicl.IdxMaxStreamsBidi)),
		MaxIncomingUniStreams:          incomingStreams(v(quicl.IdxMaxStreamsUni)),
		InitialPacketSize:              initialPacketSize(v(quicl.IdxMaxPacketSize)),
		// Datagrams carry PINGs, see session.Ping.
		EnableDatagrams: true,
	}
	return conf
}

// incomingStreams maps a stream limit onto quic-go, where zero means the default and a
// negative value forbids the peer to open any stream.
func incomingStreams(limit uint64) int64 {
	switch {
	case limit == 0:
		return -1
	case limit > quicl.MaxMaxStreams:
		return quicl.MaxMaxStreams
	default:
		return int64(limit)
	}
}

func initialPacketSize(size uint64) uint16 {
	switch {
	case size == 0:
		return 0
	case size < quicl.MinMaxPacketSize:
		return quicl.MinMaxPacketSize
	case size > quicl.MaxMaxPacketSize:
		return quicl.MaxMaxPacketSize
	default:
		return uint16(size)
	}
}
