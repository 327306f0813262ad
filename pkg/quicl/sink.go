// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	log "github.com/sirupsen/logrus"
)

// socketSink forwards an Engine socket's notifications to its Endpoint through the Loop.
type socketSink struct {
	loop     *Loop
	endpoint *Endpoint
}

func (sink *socketSink) OnReady() {
	sink.loop.dispatch(func() { sink.endpoint.ready() })
}

func (sink *socketSink) OnError(err error) {
	sink.loop.dispatch(func() {
		log.WithFields(log.Fields{
			"endpoint": sink.endpoint,
			"error":    err,
		}).Error("Engine reported socket error")

		sink.endpoint.destroy(&ResourceError{Op: "socket", Err: err})
	})
}

func (sink *socketSink) OnClose() {
	sink.loop.dispatch(func() { sink.endpoint.destroy(nil) })
}

func (sink *socketSink) OnServerBusy(on bool) {
	sink.loop.dispatch(func() { sink.endpoint.onServerBusy(on) })
}

func (sink *socketSink) OnSessionReady(h SessionHandle) SessionEvents {
	ss := &sessionSink{loop: sink.loop}
	sink.loop.dispatch(func() { sink.endpoint.admit(h, ss) })
	return ss
}

// sessionSink forwards an Engine session's notifications to its Session through the Loop.
// Notifications for an unbound or destroyed Session are dropped.
type sessionSink struct {
	loop    *Loop
	session *Session
}

func (sink *sessionSink) bind(s *Session) {
	sink.session = s
}

func (sink *sessionSink) detach() {
	sink.session = nil
}

func (sink *sessionSink) with(f func(*Session)) {
	sink.loop.dispatch(func() {
		if s := sink.session; s != nil && !s.destroyed {
			f(s)
		}
	})
}

func (sink *sessionSink) withStream(id StreamID, f func(*Stream)) {
	sink.with(func(s *Session) {
		if st := s.stream(id); st != nil {
			f(st)
		}
	})
}

func (sink *sessionSink) OnHandshake(info HandshakeInfo) {
	sink.with(func(s *Session) { s.onHandshake(info) })
}

func (sink *sessionSink) OnClientHello(alpn, serverName string, ciphers []string) {
	sink.with(func(s *Session) {
		if ss, ok := s.variant.(*ServerSession); ok {
			ss.onClientHello(alpn, serverName, ciphers)
		}
	})
}

func (sink *sessionSink) OnCert(serverName string) {
	sink.with(func(s *Session) {
		if ss, ok := s.variant.(*ServerSession); ok {
			ss.onCert(serverName)
		}
	})
}

func (sink *sessionSink) OnStatus(response []byte) {
	sink.with(func(s *Session) {
		if cs, ok := s.variant.(*ClientSession); ok {
			cs.onStatus(response)
		}
	})
}

func (sink *sessionSink) OnTicket(ticket SessionTicket) {
	sink.with(func(s *Session) {
		if s.role == RoleClient {
			s.emitNotification(EventSessionTicket, ticket)
		}
	})
}

func (sink *sessionSink) OnPathValidation(pv PathValidation) {
	sink.with(func(s *Session) { s.emitNotification(EventPathValidation, pv) })
}

func (sink *sessionSink) OnKeylog(line []byte) {
	sink.with(func(s *Session) { s.emitNotification(EventKeylog, line) })
}

func (sink *sessionSink) OnVersionNegotiation(vn VersionNegotiation) {
	sink.with(func(s *Session) { s.onVersionNegotiation(vn) })
}

func (sink *sessionSink) OnClose(code ErrorCode) {
	sink.with(func(s *Session) { s.onClose(code) })
}

func (sink *sessionSink) OnSilentClose(statelessReset bool, code ErrorCode) {
	sink.with(func(s *Session) { s.onSilentClose(statelessReset, code) })
}

func (sink *sessionSink) OnError(err error) {
	sink.with(func(s *Session) {
		log.WithFields(log.Fields{
			"session": s,
			"error":   err,
		}).Error("Engine reported session error")

		s.destroy(err)
	})
}

func (sink *sessionSink) OnStreamReady(h StreamHandle) {
	sink.loop.dispatch(func() {
		if s := sink.session; s != nil && !s.destroyed {
			s.onStreamReady(h)
		} else {
			h.Destroy()
		}
	})
}

func (sink *sessionSink) OnStreamData(id StreamID, p []byte) {
	sink.withStream(id, func(st *Stream) { st.onData(p) })
}

func (sink *sessionSink) OnStreamEnd(id StreamID) {
	sink.withStream(id, func(st *Stream) { st.onEnd() })
}

func (sink *sessionSink) OnStreamWritten(id StreamID, err error) {
	sink.withStream(id, func(st *Stream) { st.onWritten(err) })
}

func (sink *sessionSink) OnStreamReset(id StreamID, code ErrorCode, finalSize uint64) {
	sink.with(func(s *Session) { s.onStreamReset(id, code, finalSize) })
}

func (sink *sessionSink) OnStreamClose(id StreamID, code ErrorCode) {
	sink.with(func(s *Session) { s.onStreamClose(id, code) })
}

func (sink *sessionSink) OnStreamError(id StreamID, err error) {
	sink.with(func(s *Session) { s.onStreamError(id, err) })
}
