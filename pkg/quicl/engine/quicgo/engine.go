// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	// validatedAddresses bounds the remembered addresses for SocketOptions.ValidateAddressLRU.
	validatedAddresses = 1024
)

// Engine is a quicl.Engine based on quic-go.
type Engine struct {
	// HandshakeTimeout bounds the handshake as well as the wait for ClientHello and
	// certificate callbacks.
	HandshakeTimeout time.Duration
}

// New creates an Engine with default settings.
func New() *Engine {
	return &Engine{HandshakeTimeout: defaultHandshakeTimeout}
}

func (e *Engine) handshakeTimeout() time.Duration {
	if e.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return e.HandshakeTimeout
}

// NewSocket creates an unbound socket.
func (e *Engine) NewSocket(opts quicl.SocketOptions, events quicl.SocketEvents) (quicl.SocketHandle, error) {
	if events == nil {
		return nil, fmt.Errorf("quicgo: socket events must not be nil")
	}

	return &socket{
		engine:   e,
		opts:     opts,
		events:   events,
		created:  time.Now(),
		sessions: make(map[*session]struct{}),
		pending:  make(map[string]*session),
		perHost:  make(map[string]int),
		migrated: make(map[*session]struct{}),
	}, nil
}

// socket is the quicl.SocketHandle of an Endpoint.
type socket struct {
	engine *Engine
	opts   quicl.SocketOptions
	events quicl.SocketEvents

	counters packetCounters
	created  time.Time

	mutex     sync.Mutex
	family    quicl.AddressFamily
	udp       *net.UDPConn
	conn      *packetConn
	transport *quic.Transport
	listener  *quic.Listener
	closed    bool
	busy      bool

	bound     time.Time
	listening time.Time

	// sessions are all live sessions, pending are server sessions in their handshake,
	// keyed by the remote address.
	sessions  map[*session]struct{}
	pending   map[string]*session
	perHost   map[string]int
	validated []string

	// migrated are sessions dialed here and moved to another socket. They keep the
	// transport of a closed socket open.
	migrated        map[*session]struct{}
	transportClosed bool

	serverSessions uint64
	clientSessions uint64
	busyRejections uint64
}

func (s *socket) Bind(family quicl.AddressFamily, ip net.IP, port int, flags quicl.BindFlags) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return errNotBound
	}
	if s.udp != nil {
		return fmt.Errorf("quicgo: socket is already bound to %v", s.udp.LocalAddr())
	}

	lc := net.ListenConfig{Control: bindControl(family, flags)}
	pc, err := lc.ListenPacket(context.Background(), family.String(), net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	if err != nil {
		return err
	}

	udp, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("quicgo: unexpected packet conn %T", pc)
	}

	s.family = family
	s.udp = udp
	s.conn = newPacketConn(udp, &s.counters)
	s.transport = &quic.Transport{
		Conn:        s.conn,
		MaxTokenAge: s.opts.RetryTokenTimeout,
	}
	if s.opts.ValidateAddress {
		s.transport.VerifySourceAddress = s.verifySourceAddress
	}
	s.bound = time.Now()

	log.WithFields(log.Fields{
		"address": udp.LocalAddr(),
		"flags":   flags,
	}).Debug("quicgo socket is bound")

	s.events.OnReady()
	return nil
}

// verifySourceAddress enforces a Retry round trip. With ValidateAddressLRU, recently
// validated hosts are spared.
func (s *socket) verifySourceAddress(addr net.Addr) bool {
	if !s.opts.ValidateAddressLRU {
		return true
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	host := hostOf(addr)
	for _, validated := range s.validated {
		if validated == host {
			return false
		}
	}
	return true
}

func (s *socket) rememberValidated(addr net.Addr) {
	if !s.opts.ValidateAddress || !s.opts.ValidateAddressLRU {
		return
	}

	host := hostOf(addr)
	for _, validated := range s.validated {
		if validated == host {
			return
		}
	}
	if len(s.validated) >= validatedAddresses {
		s.validated = s.validated[1:]
	}
	s.validated = append(s.validated, host)
}

func hostOf(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *socket) Listen(params quicl.ListenParams) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch {
	case s.transport == nil:
		return errNotBound
	case s.listener != nil:
		return fmt.Errorf("quicgo: socket is already listening")
	}

	if params.PreferredAddress != nil {
		log.WithField("preferred address", params.PreferredAddress).Debug("quicgo does not advertise preferred addresses")
	}

	ln, err := s.transport.Listen(s.serverTLSConfig(params), quicConfig(params.Config, s.engine.handshakeTimeout()))
	if err != nil {
		return err
	}

	s.listener = ln
	s.listening = time.Now()

	log.WithFields(log.Fields{
		"address": s.udp.LocalAddr(),
		"alpn":    params.ALPN,
	}).Debug("quicgo socket is listening")

	go s.accept(ln)
	return nil
}

func (s *socket) accept(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if !errors.Is(err, quic.ErrServerClosed) && !errors.Is(err, quic.ErrTransportClosed) {
				log.WithError(err).Error("quicgo failed to accept session")
				s.events.OnError(err)
			}
			return
		}

		key := conn.RemoteAddr().String()

		s.mutex.Lock()
		sess, ok := s.pending[key]
		delete(s.pending, key)
		s.rememberValidated(conn.RemoteAddr())
		s.mutex.Unlock()

		if !ok {
			log.WithField("remote", key).Warn("quicgo accepted session without a handshake record")
			_ = conn.CloseWithError(quic.ApplicationErrorCode(quic.InternalError), "")
			continue
		}

		sess.start(conn)
	}
}

func (s *socket) StopListening() {
	s.mutex.Lock()
	ln := s.listener
	s.listener = nil
	s.mutex.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
}

// admit registers a server session in its handshake. It fails while busy or if the remote
// host already has too many sessions.
func (s *socket) admit(sess *session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	switch {
	case s.closed:
		return errNotBound
	case s.busy:
		s.busyRejections++
		return errServerBusy
	case s.opts.MaxConnectionsPerHost > 0 && s.perHost[hostOf(sess.remote)] >= s.opts.MaxConnectionsPerHost:
		return errTooManySessions
	}

	s.pending[sess.remote.String()] = sess
	s.addSession(sess)
	s.serverSessions++
	return nil
}

// addSession is called with the mutex held.
func (s *socket) addSession(sess *session) {
	s.sessions[sess] = struct{}{}
	s.perHost[hostOf(sess.remote)]++
}

func (s *socket) removeSession(sess *session) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.sessions[sess]; !ok {
		return
	}
	delete(s.sessions, sess)
	if p, ok := s.pending[sess.remote.String()]; ok && p == sess {
		delete(s.pending, sess.remote.String())
	}

	host := hostOf(sess.remote)
	if s.perHost[host]--; s.perHost[host] <= 0 {
		delete(s.perHost, host)
	}
}

func (s *socket) Connect(params quicl.ConnectParams, events quicl.SessionEvents) (quicl.SessionHandle, error) {
	if params.Remote == nil {
		return nil, fmt.Errorf("quicgo: missing remote address")
	}

	s.mutex.Lock()
	transport, closed := s.transport, s.closed
	s.mutex.Unlock()

	if transport == nil || closed {
		return nil, errNotBound
	}

	sess, err := newClientSession(s, params, events)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.addSession(sess)
	s.clientSessions++
	s.mutex.Unlock()

	sess.dial(transport)
	return sess, nil
}

func (s *socket) LocalAddr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

func (s *socket) SetServerBusy(on bool) {
	s.mutex.Lock()
	changed := s.busy != on
	s.busy = on
	s.mutex.Unlock()

	if changed {
		s.events.OnServerBusy(on)
	}
}

func (s *socket) SetDiagnosticPacketLoss(rx, tx float64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn != nil {
		s.conn.setLoss(rx, tx)
	}
}

// withUDP runs f on the bound UDP socket.
func (s *socket) withUDP(f func(*net.UDPConn, quicl.AddressFamily) error) error {
	s.mutex.Lock()
	udp, family := s.udp, s.family
	s.mutex.Unlock()

	if udp == nil {
		return errNotBound
	}
	return f(udp, family)
}

func (s *socket) SetTTL(ttl int) error {
	return s.withUDP(func(udp *net.UDPConn, family quicl.AddressFamily) error { return setTTL(udp, family, ttl) })
}

func (s *socket) SetMulticastTTL(ttl int) error {
	return s.withUDP(func(udp *net.UDPConn, family quicl.AddressFamily) error { return setMulticastTTL(udp, family, ttl) })
}

func (s *socket) SetBroadcast(on bool) error {
	return s.withUDP(func(udp *net.UDPConn, _ quicl.AddressFamily) error { return setBroadcast(udp, on) })
}

func (s *socket) SetMulticastLoopback(on bool) error {
	return s.withUDP(func(udp *net.UDPConn, family quicl.AddressFamily) error {
		return setMulticastLoopback(udp, family, on)
	})
}

func (s *socket) SetMulticastInterface(iface string) error {
	return s.withUDP(func(udp *net.UDPConn, family quicl.AddressFamily) error {
		return setMulticastInterface(udp, family, iface)
	})
}

func (s *socket) AddMembership(group, iface string) error {
	return s.withUDP(func(udp *net.UDPConn, family quicl.AddressFamily) error {
		return membership(udp, family, group, iface, true)
	})
}

func (s *socket) DropMembership(group, iface string) error {
	return s.withUDP(func(udp *net.UDPConn, family quicl.AddressFamily) error {
		return membership(udp, family, group, iface, false)
	})
}

func (s *socket) Stats() quicl.SocketStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return quicl.SocketStats{
		Created:         s.created,
		Bound:           s.bound,
		Listening:       s.listening,
		BytesReceived:   s.counters.bytesReceived.Load(),
		BytesSent:       s.counters.bytesSent.Load(),
		PacketsReceived: s.counters.packetsReceived.Load(),
		PacketsSent:     s.counters.packetsSent.Load(),
		ServerSessions:  s.serverSessions,
		ClientSessions:  s.clientSessions,
		ServerBusyCount: s.busyRejections,
	}
}

// keep registers a session dialed on s which migrated to another socket.
func (s *socket) keep(sess *session) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.migrated[sess] = struct{}{}
}

// release drops a session registered by keep. A closed socket shuts its transport down
// after its last migrated session.
func (s *socket) release(sess *session) {
	s.mutex.Lock()
	if _, ok := s.migrated[sess]; !ok {
		s.mutex.Unlock()
		return
	}
	delete(s.migrated, sess)
	last := s.closed && len(s.migrated) == 0
	s.mutex.Unlock()

	if last {
		go func() {
			err := s.closeTransport()
			log.WithError(err).Debug("quicgo closed transport after its last migrated session")
		}()
	}
}

func (s *socket) closeTransport() error {
	s.mutex.Lock()
	if s.transportClosed {
		s.mutex.Unlock()
		return nil
	}
	s.transportClosed = true
	transport, udp := s.transport, s.udp
	s.mutex.Unlock()

	var err error
	if transport != nil {
		err = errors.Join(err, transport.Close())
	}
	if udp != nil {
		if closeErr := udp.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

// Close shuts the listener and the transport down. Remaining sessions are destroyed silently.
// Sessions which migrated away keep the transport running until they ended.
func (s *socket) Close(done func(error)) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		if done != nil {
			done(nil)
		}
		return
	}
	s.closed = true

	ln := s.listener
	s.listener = nil

	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mutex.Unlock()

	go func() {
		for _, sess := range sessions {
			sess.Destroy(quicl.NoError)
		}

		var err error
		if ln != nil {
			err = errors.Join(err, ln.Close())
		}

		s.mutex.Lock()
		migrated := len(s.migrated)
		s.mutex.Unlock()

		if migrated == 0 {
			err = errors.Join(err, s.closeTransport())
		}

		log.WithFields(log.Fields{
			"error":    err,
			"migrated": migrated,
		}).Debug("quicgo socket is closed")

		if done != nil {
			done(err)
		}
	}()
}
