// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quicgo provides a quicl.Engine backed by github.com/quic-go/quic-go.
//
// Each quicl.Endpoint gets its own UDP socket, wrapped into a quic.Transport. Listening
// Endpoints accept sessions from a quic.Listener on this Transport, connecting Endpoints dial
// through it. The TLS callbacks of crypto/tls are used to forward ClientHello, certificate
// selection, OCSP stapling, session tickets and key logging to the owning quicl.Session.
//
// Some transport parameters cannot be expressed with quic-go, namely the active connection ID
// limit, the maximum ACK delay and the crypto buffer size. They are accepted and ignored.
// The same goes for a server's preferred address and a client's initial DCID.
//
//	engine := quicgo.New()
//	ep, err := quicl.NewEndpoint(loop, engine, quicl.EndpointConfig{Port: 4433})
package quicgo
