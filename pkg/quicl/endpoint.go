// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type endpointState int

const (
	endpointUnbound endpointState = iota
	endpointPending
	endpointBound
	endpointClosing
	endpointDestroyed
)

func (es endpointState) String() string {
	switch es {
	case endpointUnbound:
		return "unbound"
	case endpointPending:
		return "pending"
	case endpointBound:
		return "bound"
	case endpointClosing:
		return "closing"
	case endpointDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(es))
	}
}

var (
	endpointIDs     uint64
	packetLossAlert sync.Once
)

// Endpoint is a local UDP binding owning the Sessions using it.
type Endpoint struct {
	emitter

	id     uint64
	loop   *Loop
	handle handleRef[SocketHandle]
	state  endpointState

	address   string
	port      int
	family    AddressFamily
	lookup    LookupFunc
	bindFlags BindFlags
	autoClose bool

	serverDefaults *ServerConfig
	clientDefaults *ClientConfig

	sessions    map[*Session]struct{}
	pendingBind []func(error)

	listening     bool
	serverBusy    bool
	alpn          string
	serverConfig  *ServerConfig
	serverContext *SecureContext

	stats       SocketStats
	statsFrozen bool
}

// NewEndpoint creates an unbound Endpoint. It is bound by the first Listen or Connect.
func NewEndpoint(loop *Loop, engine Engine, config EndpointConfig) (*Endpoint, error) {
	if config.Family == 0 {
		config.Family = IPv4
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Server != nil {
		if err := config.Server.Transport.Validate(); err != nil {
			return nil, err
		}
	}
	if config.Client != nil {
		if err := config.Client.Transport.Validate(); err != nil {
			return nil, err
		}
	}

	ep := &Endpoint{
		id:             atomic.AddUint64(&endpointIDs, 1),
		loop:           loop,
		state:          endpointUnbound,
		address:        config.Address,
		port:           config.Port,
		family:         config.Family,
		lookup:         config.Lookup,
		autoClose:      config.AutoClose,
		serverDefaults: config.Server,
		clientDefaults: config.Client,
		sessions:       make(map[*Session]struct{}),
	}
	if ep.lookup == nil {
		ep.lookup = DefaultLookup
	}
	if config.ReuseAddr {
		ep.bindFlags |= BindReuseAddr
	}
	if config.IPv6Only {
		ep.bindFlags |= BindIPv6Only
	}

	h, err := engine.NewSocket(SocketOptions{
		ValidateAddress:       config.ValidateAddress,
		ValidateAddressLRU:    config.ValidateAddressLRU,
		RetryTokenTimeout:     config.RetryTokenTimeout,
		MaxConnectionsPerHost: config.MaxConnectionsPerHost,
	}, &socketSink{loop: loop, endpoint: ep})
	if err != nil {
		return nil, &ResourceError{Op: "socket", Err: err}
	}
	ep.handle.set(h)
	ep.stats.Created = time.Now()

	log.WithFields(log.Fields{
		"endpoint": ep,
		"address":  ep.address,
		"port":     ep.port,
		"family":   ep.family,
	}).Debug("Created Endpoint")

	return ep, nil
}

func (ep *Endpoint) String() string {
	return fmt.Sprintf("Endpoint(%d)", ep.id)
}

// ID is unique within the process.
func (ep *Endpoint) ID() uint64 {
	return ep.id
}

func (ep *Endpoint) stateError(op string) error {
	switch ep.state {
	case endpointDestroyed:
		return stateError(op, "endpoint", ErrDestroyed)
	case endpointClosing:
		return stateError(op, "endpoint", ErrClosing)
	default:
		return nil
	}
}

// maybeBind binds the Endpoint if necessary. cb is called once the Endpoint is bound or failed to bind.
func (ep *Endpoint) maybeBind(cb func(error)) {
	switch ep.state {
	case endpointBound:
		cb(nil)
		return

	case endpointClosing, endpointDestroyed:
		cb(ep.stateError("bind"))
		return

	case endpointPending:
		ep.pendingBind = append(ep.pendingBind, cb)
		return
	}

	ep.state = endpointPending
	ep.pendingBind = append(ep.pendingBind, cb)

	address, family, lookup := ep.address, ep.family, ep.lookup
	ep.loop.async(func() func() {
		ip, err := lookup(context.Background(), address, family)
		return func() { ep.continueBind(ip, err) }
	})
}

func (ep *Endpoint) continueBind(ip net.IP, err error) {
	if ep.state != endpointPending {
		return
	}
	if err != nil {
		ep.destroy(&ResourceError{Op: "lookup", Host: ep.address, Port: ep.port, Err: err})
		return
	}

	h, _ := ep.handle.get()
	if err := h.Bind(ep.family, ip, ep.port, ep.bindFlags); err != nil {
		ep.destroy(&ResourceError{Op: "bind", Host: ip.String(), Port: ep.port, Err: fmt.Errorf("%w: %v", ErrBind, err)})
		return
	}

	log.WithFields(log.Fields{
		"endpoint": ep,
		"ip":       ip,
		"port":     ep.port,
	}).Debug("Endpoint requested bind")
}

// ready is called after the Engine confirmed the bind.
func (ep *Endpoint) ready() {
	if ep.state != endpointPending {
		return
	}

	ep.state = endpointBound
	ep.stats.Bound = time.Now()

	log.WithFields(log.Fields{
		"endpoint": ep,
		"address":  ep.localAddr(),
	}).Info("Endpoint is bound")

	// EventReady precedes the events of everything waiting for the bind.
	ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventReady})

	for s := range ep.sessions {
		if cs, ok := s.variant.(*ClientSession); ok {
			cs.socketReady()
		}
	}

	pending := ep.pendingBind
	ep.pendingBind = nil
	for _, cb := range pending {
		cb(nil)
	}
}

// Listen starts accepting ServerSessions. The Endpoint is bound if necessary.
func (ep *Endpoint) Listen(config *ServerConfig) error {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	if err := ep.stateError("listen"); err != nil {
		return err
	}
	if ep.listening {
		return stateError("listen", "endpoint", ErrListening)
	}

	cfg := config.merge(ep.serverDefaults)
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx := cfg.Context
	if ctx == nil {
		var err error
		if ctx, err = NewSecureContext(cfg.Secure); err != nil {
			return err
		}
	}
	if ctx.Certificate() == nil {
		return &ArgumentError{Name: "context", Value: ctx, Reason: "a server needs a certificate"}
	}

	ep.listening = true
	ep.alpn = cfg.ALPN
	ep.serverConfig = cfg
	ep.serverContext = ctx

	ep.maybeBind(func(err error) {
		if err != nil {
			ep.listening = false
			return
		}
		ep.listenAfterBind()
	})

	return nil
}

func (ep *Endpoint) listenAfterBind() {
	pa := ep.serverConfig.PreferredAddress
	if pa == nil {
		ep.continueListen(nil)
		return
	}

	lookup := ep.lookup
	ep.loop.async(func() func() {
		ip, err := lookup(context.Background(), pa.Address, pa.Family)
		return func() {
			if err != nil {
				ep.listenFailed(&ResourceError{Op: "lookup", Host: pa.Address, Port: pa.Port, Err: err})
				return
			}
			ep.continueListen(&net.UDPAddr{IP: ip, Port: pa.Port})
		}
	})
}

func (ep *Endpoint) continueListen(preferred *net.UDPAddr) {
	if ep.state != endpointBound || !ep.listening {
		return
	}

	cfg := ep.serverConfig
	h, _ := ep.handle.get()
	err := h.Listen(ListenParams{
		Context:            ep.serverContext,
		ALPN:               ep.alpn,
		PreferredAddress:   preferred,
		Config:             cfg.Transport.SessionConfig(),
		RequestCert:        cfg.RequestCert,
		RejectUnauthorized: cfg.rejectUnauthorized(),
		Notifications:      cfg.Notifications,
	})
	if err != nil {
		ep.listenFailed(&ResourceError{Op: "listen", Port: ep.port, Err: fmt.Errorf("%w: %v", ErrListen, err)})
		return
	}

	ep.stats.Listening = time.Now()

	log.WithFields(log.Fields{
		"endpoint": ep,
		"alpn":     ep.alpn,
	}).Info("Endpoint is listening")

	ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventListening})
}

func (ep *Endpoint) listenFailed(err error) {
	ep.listening = false

	log.WithFields(log.Fields{
		"endpoint": ep,
		"error":    err,
	}).Warn("Endpoint failed to listen")

	ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventError, Message: err})
}

// Connect creates a ClientSession. The Endpoint is bound and the remote address is resolved
// afterwards, the ClientSession emits EventReady once it can be used.
func (ep *Endpoint) Connect(config *ClientConfig) (*ClientSession, error) {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	if err := ep.stateError("connect"); err != nil {
		return nil, err
	}

	cfg := config.merge(ep.clientDefaults)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx := cfg.Context
	if ctx == nil {
		var err error
		if ctx, err = NewSecureContext(cfg.Secure); err != nil {
			return nil, err
		}
	}

	var remoteParams *TransportParams
	if len(cfg.RemoteTransportParams) > 0 {
		tp, err := DecodeTransportParams(cfg.RemoteTransportParams)
		if err != nil {
			return nil, &ArgumentError{Name: "remoteTransportParams", Value: len(cfg.RemoteTransportParams), Reason: err.Error()}
		}
		remoteParams = &tp
	}

	cs := newClientSession(ep, cfg, ctx, remoteParams)
	ep.maybeBind(func(err error) {
		if err != nil {
			cs.destroy(err)
			return
		}
		cs.connectAfterBind()
	})

	return cs, nil
}

func (ep *Endpoint) addSession(s *Session) {
	ep.sessions[s] = struct{}{}
}

// removeSession is called by a destroyed or migrated Session.
func (ep *Endpoint) removeSession(s *Session) {
	if _, ok := ep.sessions[s]; !ok {
		return
	}
	delete(ep.sessions, s)

	switch {
	case ep.state == endpointClosing:
		ep.maybeDestroy()

	case ep.autoClose && ep.state == endpointBound && !ep.listening && len(ep.sessions) == 0:
		log.WithField("endpoint", ep).Debug("Endpoint closes itself after its last session left")
		_ = ep.close()
	}
}

// admit is called for a new incoming session.
func (ep *Endpoint) admit(h SessionHandle, sink *sessionSink) {
	if ep.state != endpointBound || !ep.listening {
		log.WithFields(log.Fields{
			"endpoint": ep,
			"state":    ep.state,
		}).Warn("Endpoint rejects incoming session")

		h.Destroy(ErrorCode{Family: FamilySession, Code: 0x2})
		return
	}

	ss := newServerSession(ep, h, sink, ep.serverConfig)

	log.WithFields(log.Fields{
		"endpoint": ep,
		"session":  ss,
		"remote":   h.RemoteAddr(),
	}).Debug("Endpoint admitted session")

	ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventSession, Message: ss})
}

// Close the Endpoint gracefully: stop listening, close all Sessions and destroy the Endpoint
// after the last Session is gone. onDone, if not nil, is called on EventClose.
func (ep *Endpoint) Close(onDone func()) error {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	if onDone != nil && ep.state != endpointDestroyed {
		ep.Once(EventClose, func(Event) { onDone() })
	}
	return ep.close()
}

func (ep *Endpoint) close() error {
	switch ep.state {
	case endpointDestroyed:
		return stateError("close", "endpoint", ErrDestroyed)
	case endpointClosing:
		return nil
	case endpointUnbound, endpointPending:
		ep.destroy(nil)
		return nil
	}

	ep.state = endpointClosing

	log.WithFields(log.Fields{
		"endpoint": ep,
		"sessions": len(ep.sessions),
	}).Debug("Endpoint is closing")

	if ep.listening {
		h, _ := ep.handle.get()
		h.StopListening()
		ep.listening = false
	}

	if ep.maybeDestroy() {
		return nil
	}

	for _, s := range ep.sessionList() {
		if s.destroyed {
			continue
		}
		if cs, ok := s.variant.(*ClientSession); ok && !cs.handleReady {
			cs.closeOnReady = true
			continue
		}
		_ = s.close()
	}
	return nil
}

func (ep *Endpoint) maybeDestroy() bool {
	if ep.state == endpointClosing && len(ep.sessions) == 0 {
		ep.destroy(nil)
		return true
	}
	return false
}

// Destroy the Endpoint and all its Sessions immediately.
func (ep *Endpoint) Destroy(err error) {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	ep.destroy(err)
}

func (ep *Endpoint) destroy(err error) {
	if ep.state == endpointDestroyed {
		return
	}
	ep.state = endpointDestroyed
	ep.listening = false

	log.WithFields(log.Fields{
		"endpoint": ep,
		"error":    err,
	}).Debug("Destroying Endpoint")

	for _, s := range ep.sessionList() {
		s.destroy(err)
	}

	pending := ep.pendingBind
	ep.pendingBind = nil
	for _, cb := range pending {
		cb(stateError("bind", "endpoint", ErrDestroyed))
	}

	h, ok := ep.handle.release()
	if !ok {
		ep.emitTeardown(err)
		return
	}

	ep.stats = h.Stats()
	ep.statsFrozen = true

	h.Close(func(closeErr error) {
		ep.loop.dispatch(func() {
			if err == nil && closeErr != nil {
				err = &ResourceError{Op: "close", Err: closeErr}
			}
			ep.emitTeardown(err)
		})
	})
}

func (ep *Endpoint) emitTeardown(err error) {
	if err != nil {
		ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventError, Message: err})
	}
	ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventClose})
}

func (ep *Endpoint) sessionList() []*Session {
	sessions := make([]*Session, 0, len(ep.sessions))
	for s := range ep.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (ep *Endpoint) localAddr() net.Addr {
	if h, ok := ep.handle.get(); ok && (ep.state == endpointBound || ep.state == endpointClosing) {
		return h.LocalAddr()
	}
	return nil
}

// withSocket runs f on the socket of a not yet destroyed Endpoint.
func (ep *Endpoint) withSocket(op string, f func(SocketHandle) error) error {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	h, ok := ep.handle.get()
	if !ok || ep.state == endpointDestroyed {
		return stateError(op, "endpoint", ErrDestroyed)
	}
	return f(h)
}

func validateTTL(name string, ttl int) error {
	if ttl < 1 || ttl > 255 {
		return &ArgumentError{Name: name, Value: ttl, Reason: "must be within 1 and 255"}
	}
	return nil
}

// SetTTL sets the unicast IP time to live.
func (ep *Endpoint) SetTTL(ttl int) error {
	if err := validateTTL("ttl", ttl); err != nil {
		return err
	}
	return ep.withSocket("setTTL", func(h SocketHandle) error { return h.SetTTL(ttl) })
}

// SetMulticastTTL sets the multicast IP time to live.
func (ep *Endpoint) SetMulticastTTL(ttl int) error {
	if err := validateTTL("multicastTTL", ttl); err != nil {
		return err
	}
	return ep.withSocket("setMulticastTTL", func(h SocketHandle) error { return h.SetMulticastTTL(ttl) })
}

func (ep *Endpoint) SetBroadcast(on bool) error {
	return ep.withSocket("setBroadcast", func(h SocketHandle) error { return h.SetBroadcast(on) })
}

func (ep *Endpoint) SetMulticastLoopback(on bool) error {
	return ep.withSocket("setMulticastLoopback", func(h SocketHandle) error { return h.SetMulticastLoopback(on) })
}

func (ep *Endpoint) SetMulticastInterface(iface string) error {
	if iface == "" {
		return &ArgumentError{Name: "interface", Value: iface, Reason: "must not be empty"}
	}
	return ep.withSocket("setMulticastInterface", func(h SocketHandle) error { return h.SetMulticastInterface(iface) })
}

func validateGroup(group string) error {
	if ip := net.ParseIP(group); ip == nil || !ip.IsMulticast() {
		return &ArgumentError{Name: "group", Value: group, Reason: "must be a multicast address"}
	}
	return nil
}

// AddMembership joins a multicast group. iface may be empty.
func (ep *Endpoint) AddMembership(group, iface string) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	return ep.withSocket("addMembership", func(h SocketHandle) error { return h.AddMembership(group, iface) })
}

// DropMembership leaves a multicast group. iface may be empty.
func (ep *Endpoint) DropMembership(group, iface string) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	return ep.withSocket("dropMembership", func(h SocketHandle) error { return h.DropMembership(group, iface) })
}

// SetServerBusy tells the Engine to refuse new sessions while on.
func (ep *Endpoint) SetServerBusy(on bool) error {
	return ep.withSocket("setServerBusy", func(h SocketHandle) error {
		h.SetServerBusy(on)
		return nil
	})
}

func (ep *Endpoint) onServerBusy(on bool) {
	ep.serverBusy = on
	if on {
		ep.stats.ServerBusyCount++
	}
	ep.loop.emit(&ep.emitter, Event{Sender: ep, Type: EventBusy, Message: on})
}

// SetDiagnosticPacketLoss makes the Engine drop received and sent packets with the given
// probabilities. Only meant for testing.
func (ep *Endpoint) SetDiagnosticPacketLoss(rx, tx float64) error {
	if rx < 0 || rx > 1 {
		return &ArgumentError{Name: "rx", Value: rx, Reason: "must be within 0.0 and 1.0"}
	}
	if tx < 0 || tx > 1 {
		return &ArgumentError{Name: "tx", Value: tx, Reason: "must be within 0.0 and 1.0"}
	}

	packetLossAlert.Do(func() {
		log.Warn("Enabling diagnostic packet loss may result in data loss and unexpected behavior")
	})

	return ep.withSocket("setDiagnosticPacketLoss", func(h SocketHandle) error {
		h.SetDiagnosticPacketLoss(rx, tx)
		return nil
	})
}

// Address returns the bound local address or nil.
func (ep *Endpoint) Address() net.Addr {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.localAddr()
}

func (ep *Endpoint) is(state endpointState) bool {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.state == state
}

func (ep *Endpoint) Bound() bool     { return ep.is(endpointBound) }
func (ep *Endpoint) Pending() bool   { return ep.is(endpointPending) }
func (ep *Endpoint) Closing() bool   { return ep.is(endpointClosing) }
func (ep *Endpoint) Destroyed() bool { return ep.is(endpointDestroyed) }

func (ep *Endpoint) Listening() bool {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.listening
}

func (ep *Endpoint) ServerBusy() bool {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.serverBusy
}

// ServerSecureContext returns the SecureContext used for incoming sessions, if listening.
func (ep *Endpoint) ServerSecureContext() *SecureContext {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.serverContext
}

// Sessions returns a snapshot of the owned Sessions.
func (ep *Endpoint) Sessions() []*Session {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.sessionList()
}

// Stats returns the Engine's counters. After destruction, the final counters are returned.
func (ep *Endpoint) Stats() SocketStats {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	return ep.socketStats()
}

func (ep *Endpoint) socketStats() SocketStats {
	if ep.statsFrozen {
		return ep.stats
	}
	if h, ok := ep.handle.get(); ok && ep.state != endpointUnbound && ep.state != endpointPending {
		stats := h.Stats()
		stats.Created = ep.stats.Created
		stats.Bound = ep.stats.Bound
		stats.Listening = ep.stats.Listening
		stats.ServerBusyCount = ep.stats.ServerBusyCount
		return stats
	}
	return ep.stats
}

// Duration since creation.
func (ep *Endpoint) Duration() time.Duration {
	return time.Since(ep.Stats().Created)
}

// BoundDuration since the bind, zero if never bound.
func (ep *Endpoint) BoundDuration() time.Duration {
	if bound := ep.Stats().Bound; !bound.IsZero() {
		return time.Since(bound)
	}
	return 0
}

// ListenDuration since Listen completed, zero if never listening.
func (ep *Endpoint) ListenDuration() time.Duration {
	if listening := ep.Stats().Listening; !listening.IsZero() {
		return time.Since(listening)
	}
	return 0
}

// EndpointInfo is a snapshot of an Endpoint.
type EndpointInfo struct {
	ID        uint64      `json:"id"`
	State     string      `json:"state"`
	Address   string      `json:"address"`
	Listening bool        `json:"listening"`
	Busy      bool        `json:"busy"`
	ALPN      string      `json:"alpn,omitempty"`
	Sessions  int         `json:"sessions"`
	Stats     SocketStats `json:"stats"`
}

// Info returns a consistent snapshot of the Endpoint.
func (ep *Endpoint) Info() EndpointInfo {
	ep.loop.state.Lock()
	defer ep.loop.state.Unlock()

	info := EndpointInfo{
		ID:        ep.id,
		State:     ep.state.String(),
		Listening: ep.listening,
		Busy:      ep.serverBusy,
		ALPN:      ep.alpn,
		Sessions:  len(ep.sessions),
		Stats:     ep.socketStats(),
	}
	if addr := ep.localAddr(); addr != nil {
		info.Address = addr.String()
	}
	return info
}
