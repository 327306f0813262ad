// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"testing"

	"github.com/dtn7/quicl-go/internal/selfsigned"
)

// mockEngine creates mockSockets where all fields are directly editable.
type mockEngine struct {
	sockets   []*mockSocket
	socketErr error
}

func (e *mockEngine) NewSocket(opts SocketOptions, events SocketEvents) (SocketHandle, error) {
	if e.socketErr != nil {
		return nil, e.socketErr
	}

	ms := &mockSocket{
		opts:        opts,
		events:      events,
		autoReady:   true,
		setSocketOK: true,
	}
	e.sockets = append(e.sockets, ms)
	return ms, nil
}

// mockSocket records all operations in ops. With autoReady, a successful Bind reports OnReady.
type mockSocket struct {
	opts   SocketOptions
	events SocketEvents
	ops    []string

	autoReady   bool
	setSocketOK bool

	bindErr    error
	listenErr  error
	connectErr error

	bindIP       net.IP
	bindFlags    BindFlags
	listenParams *ListenParams
	connects     []ConnectParams
	sessions     []*mockSession

	closed bool
}

func (ms *mockSocket) op(format string, args ...interface{}) {
	ms.ops = append(ms.ops, fmt.Sprintf(format, args...))
}

func (ms *mockSocket) count(op string) (n int) {
	for _, o := range ms.ops {
		if o == op {
			n++
		}
	}
	return
}

func (ms *mockSocket) Bind(family AddressFamily, ip net.IP, port int, flags BindFlags) error {
	ms.op("bind")
	if ms.bindErr != nil {
		return ms.bindErr
	}

	ms.bindIP = ip
	ms.bindFlags = flags
	if ms.autoReady {
		ms.events.OnReady()
	}
	return nil
}

func (ms *mockSocket) Listen(params ListenParams) error {
	ms.op("listen")
	if ms.listenErr != nil {
		return ms.listenErr
	}
	ms.listenParams = &params
	return nil
}

func (ms *mockSocket) StopListening() { ms.op("stopListening") }

func (ms *mockSocket) Connect(params ConnectParams, events SessionEvents) (SessionHandle, error) {
	ms.op("connect")
	if ms.connectErr != nil {
		return nil, ms.connectErr
	}

	ms.connects = append(ms.connects, params)
	mss := newMockSession(events, false)
	ms.sessions = append(ms.sessions, mss)
	return mss, nil
}

// accept simulates an incoming session.
func (ms *mockSocket) accept() *mockSession {
	mss := newMockSession(nil, true)
	mss.events = ms.events.OnSessionReady(mss)
	ms.sessions = append(ms.sessions, mss)
	return mss
}

func (ms *mockSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: ms.bindIP, Port: 4433}
}

func (ms *mockSocket) SetServerBusy(on bool)                  { ms.op("setServerBusy %t", on) }
func (ms *mockSocket) SetDiagnosticPacketLoss(rx, tx float64) { ms.op("packetLoss %.1f %.1f", rx, tx) }
func (ms *mockSocket) SetTTL(ttl int) error                   { ms.op("ttl %d", ttl); return nil }
func (ms *mockSocket) SetMulticastTTL(ttl int) error          { ms.op("multicastTTL %d", ttl); return nil }
func (ms *mockSocket) SetBroadcast(on bool) error             { ms.op("broadcast %t", on); return nil }
func (ms *mockSocket) SetMulticastLoopback(on bool) error     { ms.op("multicastLoopback %t", on); return nil }
func (ms *mockSocket) SetMulticastInterface(s string) error   { ms.op("multicastInterface %s", s); return nil }
func (ms *mockSocket) AddMembership(g, i string) error        { ms.op("addMembership %s", g); return nil }
func (ms *mockSocket) DropMembership(g, i string) error       { ms.op("dropMembership %s", g); return nil }

func (ms *mockSocket) Stats() SocketStats {
	return SocketStats{PacketsReceived: uint64(len(ms.ops))}
}

func (ms *mockSocket) Close(done func(error)) {
	ms.op("close")
	ms.closed = true
	done(nil)
}

// mockSession records all operations in ops.
type mockSession struct {
	events SessionEvents
	ops    []string
	server bool

	nextBidi, nextUni uint64
	openErr           error
	streams           map[StreamID]*mockStream

	keyInfo       KeyInfo
	setSocketOK   bool
	socket        SocketHandle
	notifications map[EventType]bool

	clientHelloCtx *SecureContext
	certCtx        *SecureContext
	ocspResponse   []byte

	destroyed   bool
	destroyCode ErrorCode
}

func newMockSession(events SessionEvents, server bool) *mockSession {
	return &mockSession{
		events:        events,
		server:        server,
		streams:       make(map[StreamID]*mockStream),
		setSocketOK:   true,
		notifications: make(map[EventType]bool),
	}
}

func (mss *mockSession) op(format string, args ...interface{}) {
	mss.ops = append(mss.ops, fmt.Sprintf(format, args...))
}

func (mss *mockSession) count(op string) (n int) {
	for _, o := range mss.ops {
		if o == op {
			n++
		}
	}
	return
}

func (mss *mockSession) streamID(local, uni bool) StreamID {
	var id StreamID
	if uni {
		id = StreamID(mss.nextUni<<2) | 0x2
		mss.nextUni++
	} else {
		id = StreamID(mss.nextBidi << 2)
		mss.nextBidi++
	}
	if mss.server == local {
		id |= 0x1
	}
	return id
}

func (mss *mockSession) OpenStream(uni bool) (StreamHandle, error) {
	mss.op("openStream")
	if mss.openErr != nil {
		return nil, mss.openErr
	}

	mst := &mockStream{id: mss.streamID(true, uni)}
	mss.streams[mst.id] = mst
	return mst, nil
}

// peerStream simulates a stream opened by the peer.
func (mss *mockSession) peerStream(uni bool) *mockStream {
	mst := &mockStream{id: mss.streamID(false, uni)}
	mss.streams[mst.id] = mst
	mss.events.OnStreamReady(mst)
	return mst
}

func (mss *mockSession) GracefulClose()        { mss.op("gracefulClose") }
func (mss *mockSession) Close(code ErrorCode)  { mss.op("close %v", code) }
func (mss *mockSession) UpdateKey() error      { mss.op("updateKey"); return nil }
func (mss *mockSession) Ping() error           { mss.op("ping"); return nil }
func (mss *mockSession) EphemeralKeyInfo() KeyInfo { return mss.keyInfo }
func (mss *mockSession) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}
func (mss *mockSession) MaxStreams() (uint64, uint64)      { return DefaultMaxStreamsBidi, DefaultMaxStreamsUni }
func (mss *mockSession) Certificate() *x509.Certificate     { return nil }
func (mss *mockSession) PeerCertificate() *x509.Certificate { return nil }
func (mss *mockSession) Stats() SessionStats                { return SessionStats{BytesSent: 1200} }

func (mss *mockSession) Destroy(code ErrorCode) {
	mss.op("destroy")
	mss.destroyed = true
	mss.destroyCode = code
}

func (mss *mockSession) SetSocket(socket SocketHandle) bool {
	mss.op("setSocket")
	if mss.setSocketOK {
		mss.socket = socket
	}
	return mss.setSocketOK
}

func (mss *mockSession) SetNotification(et EventType, on bool) {
	mss.notifications[et] = on
}

func (mss *mockSession) OnClientHelloDone(ctx *SecureContext) error {
	mss.op("clientHelloDone")
	mss.clientHelloCtx = ctx
	return nil
}

func (mss *mockSession) OnCertDone(ctx *SecureContext, response []byte) error {
	mss.op("certDone")
	mss.certCtx = ctx
	mss.ocspResponse = response
	return nil
}

// mockStream records all operations in ops.
type mockStream struct {
	id     StreamID
	ops    []string
	writes [][]byte
}

func (mst *mockStream) count(op string) (n int) {
	for _, o := range mst.ops {
		if o == op {
			n++
		}
	}
	return
}

func (mst *mockStream) ID() StreamID { return mst.id }

func (mst *mockStream) Write(p []byte) error {
	mst.ops = append(mst.ops, "write")
	mst.writes = append(mst.writes, p)
	return nil
}

func (mst *mockStream) Shutdown() error {
	mst.ops = append(mst.ops, "shutdown")
	return nil
}

func (mst *mockStream) ShutdownStream(code ErrorCode) {
	mst.ops = append(mst.ops, "shutdownStream")
}

func (mst *mockStream) Destroy() {
	mst.ops = append(mst.ops, "destroy")
}

func (mst *mockStream) Stats() StreamStats {
	return StreamStats{BytesSent: uint64(len(mst.writes))}
}

func testLookup(_ context.Context, host string, family AddressFamily) (net.IP, error) {
	if host == "invalid.test" {
		return nil, fmt.Errorf("no such host %s", host)
	}
	if family == IPv6 {
		return net.IPv6loopback, nil
	}
	return net.IPv4(127, 0, 0, 1), nil
}

func testSecureContext(t *testing.T, hosts ...string) *SecureContext {
	t.Helper()

	certPEM, keyPEM, err := selfsigned.Generate(hosts...)
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := NewSecureContext(SecureOptions{CertPEM: certPEM, KeyPEM: keyPEM})
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

// eventLog records events in the order they were delivered.
type eventLog struct {
	events []Event
}

func (el *eventLog) record(e *emitter, ets ...EventType) {
	for _, et := range ets {
		e.On(et, func(ev Event) { el.events = append(el.events, ev) })
	}
}

func (el *eventLog) types() []EventType {
	ets := make([]EventType, len(el.events))
	for i, ev := range el.events {
		ets[i] = ev.Type
	}
	return ets
}

func (el *eventLog) count(et EventType) (n int) {
	for _, ev := range el.events {
		if ev.Type == et {
			n++
		}
	}
	return
}

func newTestEndpoint(t *testing.T, loop *Loop, engine *mockEngine) (*Endpoint, *mockSocket) {
	t.Helper()

	ep, err := NewEndpoint(loop, engine, EndpointConfig{Lookup: testLookup})
	if err != nil {
		t.Fatal(err)
	}
	return ep, engine.sockets[len(engine.sockets)-1]
}

func testServerConfig(t *testing.T) *ServerConfig {
	return &ServerConfig{ALPN: "echo", Context: testSecureContext(t, "localhost")}
}

func testClientConfig() *ClientConfig {
	return &ClientConfig{Address: "localhost", Port: 4433, ALPN: "echo"}
}
