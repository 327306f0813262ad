// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"math"
	"math/rand/v2"
	"net"
	"sync/atomic"
)

// packetCounters are shared between a socket and its packetConn.
type packetCounters struct {
	bytesReceived   atomic.Uint64
	bytesSent       atomic.Uint64
	packetsReceived atomic.Uint64
	packetsSent     atomic.Uint64
}

// packetConn counts the traffic of a socket and optionally drops packets.
type packetConn struct {
	net.PacketConn

	counters *packetCounters

	// Loss probabilities, stored as math.Float64bits.
	rxLoss atomic.Uint64
	txLoss atomic.Uint64
}

func newPacketConn(pc net.PacketConn, counters *packetCounters) *packetConn {
	return &packetConn{
		PacketConn: pc,
		counters:   counters,
	}
}

func (pc *packetConn) setLoss(rx, tx float64) {
	pc.rxLoss.Store(math.Float64bits(rx))
	pc.txLoss.Store(math.Float64bits(tx))
}

func drop(loss *atomic.Uint64) bool {
	p := math.Float64frombits(loss.Load())
	return p > 0 && rand.Float64() < p
}

func (pc *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := pc.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}

		pc.counters.packetsReceived.Add(1)
		pc.counters.bytesReceived.Add(uint64(n))

		if drop(&pc.rxLoss) {
			continue
		}
		return n, addr, nil
	}
}

func (pc *packetConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if drop(&pc.txLoss) {
		return len(p), nil
	}

	n, err := pc.PacketConn.WriteTo(p, addr)
	if err == nil {
		pc.counters.packetsSent.Add(1)
		pc.counters.bytesSent.Add(uint64(n))
	}
	return n, err
}
