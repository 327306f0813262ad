// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
)

// ClientSession is a Session created by Endpoint.Connect.
type ClientSession struct {
	*Session

	config       *ClientConfig
	context      *SecureContext
	remoteParams *TransportParams

	endpointReady bool
	handleReady   bool
	ready         bool
	closeOnReady  bool
}

func newClientSession(ep *Endpoint, cfg *ClientConfig, ctx *SecureContext, remoteParams *TransportParams) *ClientSession {
	cs := &ClientSession{
		Session:       newSession(ep, RoleClient, cfg.Notifications),
		config:        cfg,
		context:       ctx,
		remoteParams:  remoteParams,
		endpointReady: ep.state == endpointBound,
	}
	cs.variant = cs

	cs.sink = &sessionSink{loop: ep.loop}
	cs.sink.bind(cs.Session)

	return cs
}

func (cs *ClientSession) connectAfterBind() {
	if cs.destroyed {
		return
	}

	cfg, lookup := cs.config, cs.endpoint.lookup
	cs.loop.async(func() func() {
		ip, err := lookup(context.Background(), cfg.Address, cfg.Family)
		return func() { cs.continueConnect(ip, err) }
	})
}

func (cs *ClientSession) continueConnect(ip net.IP, err error) {
	if cs.destroyed {
		return
	}
	if err != nil {
		cs.destroy(&ResourceError{Op: "lookup", Host: cs.config.Address, Port: cs.config.Port, Err: err})
		return
	}

	ep := cs.endpoint
	sh, ok := ep.handle.get()
	if !ok || ep.state == endpointDestroyed {
		cs.destroy(stateError("connect", "endpoint", ErrDestroyed))
		return
	}

	cfg := cs.config
	h, err := sh.Connect(ConnectParams{
		Remote:                 &net.UDPAddr{IP: ip, Port: cfg.Port},
		Context:                cs.context,
		ServerName:             cfg.ServerName,
		ALPN:                   cfg.ALPN,
		Config:                 cfg.Transport.SessionConfig(),
		RemoteTransportParams:  cs.remoteParams,
		SessionTicket:          cfg.SessionTicket,
		SessionTicketID:        cfg.SessionTicketID,
		DCID:                   cfg.DCID,
		RequestOCSP:            cfg.RequestOCSP,
		VerifyHostnameIdentity: cfg.verifyHostnameIdentity(),
		PreferredAddressPolicy: cfg.PreferredAddressPolicy,
		Notifications:          cfg.Notifications,
	}, cs.sink)
	if err != nil {
		cs.destroy(connectError(err))
		return
	}

	log.WithFields(log.Fields{
		"session":     cs,
		"remote":      ip,
		"port":        cfg.Port,
		"server name": cfg.ServerName,
	}).Debug("Session is connecting")

	cs.attach(h)
	cs.handleReady = true
	cs.maybeReady()
}

func connectError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRemoteTransportParams):
		return &ProtocolError{
			Code: ErrorCode{Family: FamilySession},
			Msg:  "Invalid Remote Transport Params",
			Err:  fmt.Errorf("%w: %w", ErrClientSessionFailed, err),
		}
	case errors.Is(err, ErrInvalidSessionTicket):
		return &ProtocolError{
			Code: ErrorCode{Family: FamilySession},
			Msg:  "Invalid TLS Session Ticket",
			Err:  fmt.Errorf("%w: %w", ErrClientSessionFailed, err),
		}
	default:
		return &ResourceError{Op: "connect", Err: fmt.Errorf("%w: %w", ErrClientSessionFailed, err)}
	}
}

// socketReady is called once the owning Endpoint is bound.
func (cs *ClientSession) socketReady() {
	cs.endpointReady = true
	cs.maybeReady()
}

func (cs *ClientSession) maybeReady() {
	if cs.ready || cs.destroyed || !cs.endpointReady || !cs.handleReady {
		return
	}
	cs.ready = true

	cs.emitNotification(EventReady, nil)

	if cs.closeOnReady {
		_ = cs.close()
	}
}

func (cs *ClientSession) handshakePost() bool {
	h, ok := cs.handle.get()
	if !ok {
		return false
	}

	ki := h.EphemeralKeyInfo()
	if ki.Type == "DH" && ki.Size < cs.config.MinDHSize {
		cs.destroy(&SecurityError{
			Code: ErrorCode{Family: FamilyCrypto},
			Msg:  fmt.Sprintf("DH parameter size %d is less than %d", ki.Size, cs.config.MinDHSize),
			Err:  ErrKeySize,
		})
		return false
	}
	return true
}

// SetEndpoint migrates the ClientSession to another Endpoint, binding it if necessary.
// cb receives the result.
func (cs *ClientSession) SetEndpoint(ep *Endpoint, cb func(error)) error {
	if ep == nil {
		return &ArgumentError{Name: "endpoint", Value: nil, Reason: "must not be nil"}
	}

	cs.loop.state.Lock()
	defer cs.loop.state.Unlock()

	if ep.loop != cs.loop {
		return &ArgumentError{Name: "endpoint", Value: ep, Reason: "belongs to another loop"}
	}
	if cs.destroyed {
		return stateError("setSocket", "session", ErrDestroyed)
	}

	ep.maybeBind(func(err error) {
		cs.setEndpointAfterBind(ep, err, cb)
	})
	return nil
}

func (cs *ClientSession) setEndpointAfterBind(ep *Endpoint, err error, cb func(error)) {
	done := func(err error) {
		log.WithFields(log.Fields{
			"session":  cs,
			"endpoint": ep,
			"error":    err,
		}).Debug("Session migration finished")

		if cb != nil {
			cs.loop.post(func() { cb(err) })
		}
	}

	switch {
	case err != nil:
		done(err)
		return
	case ep.state == endpointDestroyed:
		done(stateError("setSocket", "endpoint", ErrDestroyed))
		return
	case cs.destroyed:
		done(stateError("setSocket", "session", ErrDestroyed))
		return
	}

	h, ok := cs.handle.get()
	if !ok {
		done(stateError("setSocket", "session", ErrNotReady))
		return
	}
	if cs.endpoint == ep {
		done(nil)
		return
	}

	sh, _ := ep.handle.get()
	if !h.SetSocket(sh) {
		done(&ResourceError{Op: "setSocket", Err: ErrSetSocketFailed})
		return
	}

	old := cs.endpoint
	cs.endpoint = ep
	old.removeSession(cs.Session)
	ep.addSession(cs.Session)

	done(nil)
}

func (cs *ClientSession) onStatus(response []byte) {
	cs.emitNotification(EventOCSPResponse, response)
}

// Ready reports if both the Endpoint and the Engine's session are usable.
func (cs *ClientSession) Ready() bool {
	cs.loop.state.Lock()
	defer cs.loop.state.Unlock()

	return cs.ready
}

// EphemeralKeyInfo describes the key exchange, empty before the handshake.
func (cs *ClientSession) EphemeralKeyInfo() KeyInfo {
	cs.loop.state.Lock()
	defer cs.loop.state.Unlock()

	if h, ok := cs.handle.get(); ok && cs.handshakeComplete {
		return h.EphemeralKeyInfo()
	}
	return KeyInfo{}
}

// Config returns the ClientConfig merged with the Endpoint's client defaults.
func (cs *ClientSession) Config() ClientConfig {
	cs.loop.state.Lock()
	defer cs.loop.state.Unlock()

	return *cs.config
}
