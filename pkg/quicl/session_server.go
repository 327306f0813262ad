// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	log "github.com/sirupsen/logrus"
)

// ServerSession is a Session accepted by a listening Endpoint.
//
// EventClientHello and EventOCSPRequest are only emitted while enabled, either through
// ServerConfig.Notifications or EnableNotification. Otherwise the handshake continues with
// the selected SecureContext. An enabled request suspends the handshake until its Done is
// called, even without a listener.
type ServerSession struct {
	*Session

	contexts contextTable
}

func newServerSession(ep *Endpoint, h SessionHandle, sink *sessionSink, cfg *ServerConfig) *ServerSession {
	ss := &ServerSession{Session: newSession(ep, RoleServer, cfg.Notifications)}
	ss.variant = ss

	for _, nc := range cfg.Contexts {
		// validated by Listen
		_ = ss.contexts.add(nc.Pattern, nc.Context)
	}

	ss.sink = sink
	sink.bind(ss.Session)
	ss.attach(h)

	return ss
}

func (ss *ServerSession) handshakePost() bool {
	return true
}

// AddContext registers a SecureContext for server names matching pattern. A '*' matches
// any sequence of characters without a dot.
func (ss *ServerSession) AddContext(pattern string, ctx *SecureContext) error {
	ss.loop.state.Lock()
	defer ss.loop.state.Unlock()

	if ss.destroyed {
		return stateError("addContext", "session", ErrDestroyed)
	}
	return ss.contexts.add(pattern, ctx)
}

// selectContext returns the SecureContext for serverName, falling back to the Endpoint's.
func (ss *ServerSession) selectContext(serverName string) *SecureContext {
	if ctx := ss.contexts.match(serverName); ctx != nil {
		return ctx
	}
	if ss.endpoint != nil {
		return ss.endpoint.serverContext
	}
	return nil
}

func (ss *ServerSession) onClientHello(alpn, serverName string, ciphers []string) {
	req := &ClientHelloRequest{
		ALPN:       alpn,
		ServerName: serverName,
		Ciphers:    ciphers,
	}
	req.done = func(err error, ctx *SecureContext) {
		ss.loop.state.Lock()
		defer ss.loop.state.Unlock()

		ss.clientHelloDone(err, ctx)
	}

	// An Engine may report the hello regardless of the flag.
	if !ss.notifications[EventClientHello] {
		ss.clientHelloDone(nil, nil)
		return
	}
	ss.emitNotification(EventClientHello, req)
}

func (ss *ServerSession) clientHelloDone(err error, ctx *SecureContext) {
	if ss.destroyed {
		return
	}
	if err != nil {
		ss.destroy(err)
		return
	}
	if ctx != nil && ctx.Certificate() == nil {
		ss.destroy(&SecurityError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "client hello context has no certificate", Err: ErrInvalidContext})
		return
	}

	h, _ := ss.handle.get()
	if err := h.OnClientHelloDone(ctx); err != nil {
		ss.destroy(&ProtocolError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "client hello failed", Err: err})
	}
}

func (ss *ServerSession) onCert(serverName string) {
	req := &OCSPRequest{
		ServerName: serverName,
		Context:    ss.selectContext(serverName),
	}
	req.done = func(err error, ctx *SecureContext, response []byte) {
		ss.loop.state.Lock()
		defer ss.loop.state.Unlock()

		if ctx == nil {
			ctx = req.Context
		}
		ss.certDone(err, ctx, response)
	}

	log.WithFields(log.Fields{
		"session":     ss,
		"server name": serverName,
		"context":     req.Context,
	}).Debug("Session selected certificate")

	if !ss.notifications[EventOCSPRequest] {
		ss.certDone(nil, req.Context, nil)
		return
	}
	ss.emitNotification(EventOCSPRequest, req)
}

func (ss *ServerSession) certDone(err error, ctx *SecureContext, response []byte) {
	if ss.destroyed {
		return
	}
	if err != nil {
		ss.destroy(err)
		return
	}
	if ctx == nil || ctx.Certificate() == nil {
		ss.destroy(&SecurityError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "no certificate for server name", Err: ErrInvalidContext})
		return
	}
	if response != nil && len(response) == 0 {
		ss.destroy(&SecurityError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "empty OCSP response", Err: ErrInvalidOCSP})
		return
	}

	h, _ := ss.handle.get()
	if err := h.OnCertDone(ctx, response); err != nil {
		ss.destroy(&ProtocolError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "certificate selection failed", Err: err})
	}
}
