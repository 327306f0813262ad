// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"crypto/x509"
	"net"
	"time"
)

// Engine creates the protocol-level sockets backing Endpoints.
//
// An Engine reports everything that happens through the SocketEvents and SessionEvents
// it was handed. Those may be called from any goroutine; they never run user code.
type Engine interface {
	NewSocket(opts SocketOptions, events SocketEvents) (SocketHandle, error)
}

// SocketOptions are the Engine-level options of an Endpoint.
type SocketOptions struct {
	ValidateAddress       bool
	ValidateAddressLRU    bool
	RetryTokenTimeout     time.Duration
	MaxConnectionsPerHost int
}

// BindFlags modify SocketHandle.Bind.
type BindFlags uint8

const (
	BindReuseAddr BindFlags = 1 << iota
	BindIPv6Only
)

// ListenParams are handed to SocketHandle.Listen.
type ListenParams struct {
	Context            *SecureContext
	ALPN               string
	PreferredAddress   *net.UDPAddr
	Config             SessionConfig
	RequestCert        bool
	RejectUnauthorized bool
	Notifications      []EventType
	// SelectContext returns the SecureContext for a server name, if the Engine asks
	// outside an OCSPRequest round trip.
	SelectContext func(serverName string) *SecureContext
}

// ConnectParams are handed to SocketHandle.Connect.
type ConnectParams struct {
	Remote                 *net.UDPAddr
	Context                *SecureContext
	ServerName             string
	ALPN                   string
	Config                 SessionConfig
	RemoteTransportParams  *TransportParams
	SessionTicket          []byte
	SessionTicketID        []byte
	DCID                   []byte
	RequestOCSP            bool
	VerifyHostnameIdentity bool
	PreferredAddressPolicy PreferredAddressPolicy
	Notifications          []EventType
}

// SocketHandle is the Engine side of an Endpoint.
type SocketHandle interface {
	Bind(family AddressFamily, ip net.IP, port int, flags BindFlags) error
	Listen(params ListenParams) error
	StopListening()
	Connect(params ConnectParams, events SessionEvents) (SessionHandle, error)

	LocalAddr() net.Addr
	SetServerBusy(on bool)
	SetDiagnosticPacketLoss(rx, tx float64)

	SetTTL(ttl int) error
	SetMulticastTTL(ttl int) error
	SetBroadcast(on bool) error
	SetMulticastLoopback(on bool) error
	SetMulticastInterface(iface string) error
	AddMembership(group, iface string) error
	DropMembership(group, iface string) error

	Stats() SocketStats

	// Close releases the socket and calls done afterwards, maybe from another goroutine.
	Close(done func(error))
}

// SessionHandle is the Engine side of a Session.
type SessionHandle interface {
	OpenStream(unidirectional bool) (StreamHandle, error)

	// GracefulClose stops accepting new streams and closes once all streams are gone.
	GracefulClose()
	// Close immediately sends a CONNECTION_CLOSE.
	Close(code ErrorCode)
	// Destroy releases the session. The handle must not be used afterwards.
	Destroy(code ErrorCode)

	UpdateKey() error
	Ping() error
	SetSocket(socket SocketHandle) bool
	SetNotification(et EventType, on bool)

	OnClientHelloDone(ctx *SecureContext) error
	OnCertDone(ctx *SecureContext, ocspResponse []byte) error

	EphemeralKeyInfo() KeyInfo
	MaxStreams() (bidi, uni uint64)
	RemoteAddr() net.Addr
	Certificate() *x509.Certificate
	PeerCertificate() *x509.Certificate
	Stats() SessionStats
}

// StreamHandle is the Engine side of a Stream.
type StreamHandle interface {
	ID() StreamID

	// Write queues p. Its completion is reported by SessionEvents.OnStreamWritten.
	Write(p []byte) error
	// Shutdown finishes the writable side after all queued writes.
	Shutdown() error
	// ShutdownStream aborts both sides with code.
	ShutdownStream(code ErrorCode)
	// Destroy releases the stream. The handle must not be used afterwards.
	Destroy()

	Stats() StreamStats
}

// SocketEvents receives notifications of a SocketHandle.
type SocketEvents interface {
	OnReady()
	OnError(err error)
	OnClose()
	OnServerBusy(on bool)
	// OnSessionReady announces a new incoming session. The returned SessionEvents
	// receives its notifications.
	OnSessionReady(h SessionHandle) SessionEvents
}

// HandshakeInfo is reported by SessionEvents.OnHandshake.
type HandshakeInfo struct {
	ServerName      string
	ALPN            string
	Cipher          CipherInfo
	MaxPacketLength int
	// VerifyError is set if the peer could not be authenticated.
	VerifyError error
}

// VersionNegotiation is reported by SessionEvents.OnVersionNegotiation.
type VersionNegotiation struct {
	Version   uint32
	Requested []uint32
	Supported []uint32
}

// SessionEvents receives notifications of a SessionHandle and its streams.
type SessionEvents interface {
	OnHandshake(info HandshakeInfo)
	OnClientHello(alpn, serverName string, ciphers []string)
	OnCert(serverName string)
	OnStatus(ocspResponse []byte)
	OnTicket(ticket SessionTicket)
	OnPathValidation(pv PathValidation)
	OnKeylog(line []byte)
	OnVersionNegotiation(vn VersionNegotiation)

	// OnClose reports a CONNECTION_CLOSE received from the peer.
	OnClose(code ErrorCode)
	// OnSilentClose reports the end of a session without a close frame, e.g.,
	// idle timeout, the end of the closing period or a stateless reset.
	OnSilentClose(statelessReset bool, code ErrorCode)
	OnError(err error)

	OnStreamReady(h StreamHandle)
	OnStreamData(id StreamID, p []byte)
	OnStreamEnd(id StreamID)
	OnStreamWritten(id StreamID, err error)
	OnStreamReset(id StreamID, code ErrorCode, finalSize uint64)
	// OnStreamClose reports that both sides of a stream are done.
	OnStreamClose(id StreamID, code ErrorCode)
	OnStreamError(id StreamID, err error)
}

// KeyInfo describes the ephemeral key exchange of a handshake.
type KeyInfo struct {
	Type string
	Name string
	Size int
}

// SocketStats are an Endpoint's counters.
type SocketStats struct {
	Created   time.Time
	Bound     time.Time
	Listening time.Time

	BytesReceived   uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsSent     uint64
	ServerSessions  uint64
	ClientSessions  uint64
	ServerBusyCount uint64
}

// SessionStats are a Session's counters.
type SessionStats struct {
	Created            time.Time
	HandshakeStarted   time.Time
	HandshakeCompleted time.Time

	BytesReceived  uint64
	BytesSent      uint64
	BidiStreams    uint64
	UniStreams     uint64
	PeerStreams    uint64
	LocalStreams   uint64
	KeyUpdateCount uint64

	MinRTT      time.Duration
	LatestRTT   time.Duration
	SmoothedRTT time.Duration
}

// StreamStats are a Stream's counters.
type StreamStats struct {
	Created       time.Time
	BytesReceived uint64
	BytesSent     uint64
}

// handleRef owns an Engine handle until it is released. A released handle cannot be reached again.
type handleRef[H any] struct {
	h     H
	valid bool
}

func (ref *handleRef[H]) set(h H) {
	ref.h = h
	ref.valid = true
}

func (ref *handleRef[H]) get() (H, bool) {
	return ref.h, ref.valid
}

func (ref *handleRef[H]) release() (H, bool) {
	h, ok := ref.h, ref.valid

	var zero H
	ref.h = zero
	ref.valid = false

	return h, ok
}
