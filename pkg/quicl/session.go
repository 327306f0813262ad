// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Role tells which side initiated a Session.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// sessionVariant is implemented by ServerSession and ClientSession.
type sessionVariant interface {
	// handshakePost runs role specific checks after the handshake. If false is returned,
	// the Session was destroyed.
	handshakePost() bool
}

var sessionIDs uint64

// Session is a QUIC connection, either a ServerSession or a ClientSession.
type Session struct {
	emitter

	id       uint64
	loop     *Loop
	role     Role
	variant  sessionVariant
	endpoint *Endpoint
	handle   handleRef[SessionHandle]
	sink     *sessionSink

	alpn              string
	serverName        string
	cipher            CipherInfo
	maxPacketLength   int
	verifyError       error
	handshakeComplete bool

	closing        bool
	destroyed      bool
	closeCode      ErrorCode
	statelessReset bool

	streams       map[StreamID]*Stream
	notifications map[EventType]bool

	stats       SessionStats
	statsFrozen bool
}

func newSession(ep *Endpoint, role Role, notifications []EventType) *Session {
	s := &Session{
		id:            atomic.AddUint64(&sessionIDs, 1),
		loop:          ep.loop,
		role:          role,
		endpoint:      ep,
		closeCode:     NoError,
		streams:       make(map[StreamID]*Stream),
		notifications: make(map[EventType]bool),
	}
	s.stats.Created = time.Now()

	for _, et := range notifications {
		s.notifications[et] = true
	}

	ep.addSession(s)
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%d, %v)", s.id, s.role)
}

// ID is unique within the process.
func (s *Session) ID() uint64 {
	return s.id
}

// attach hands the Engine's handle to the Session.
func (s *Session) attach(h SessionHandle) {
	s.handle.set(h)
	for et, on := range s.notifications {
		if on {
			h.SetNotification(et, true)
		}
	}
}

// OpenStream opens a bidirectional Stream or, if halfOpen is set, a unidirectional one.
func (s *Session) OpenStream(halfOpen bool) (*Stream, error) {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	switch {
	case s.destroyed:
		return nil, stateError("openStream", "session", ErrDestroyed)
	case s.closing:
		return nil, stateError("openStream", "session", ErrClosing)
	}

	h, ok := s.handle.get()
	if !ok {
		return nil, stateError("openStream", "session", ErrNotReady)
	}

	sh, err := h.OpenStream(halfOpen)
	if err != nil {
		return nil, &ResourceError{Op: "openStream", Err: fmt.Errorf("%w: %v", ErrStreamOpenFailed, err)}
	}

	st := newStream(s, sh)
	s.addStream(st)

	log.WithFields(log.Fields{
		"session": s,
		"stream":  st,
	}).Debug("Session opened stream")

	return st, nil
}

func (s *Session) addStream(st *Stream) {
	s.streams[st.id] = st
}

// removeStream is called by a destroyed Stream.
func (s *Session) removeStream(st *Stream) {
	if cur, ok := s.streams[st.id]; !ok || cur != st {
		return
	}
	delete(s.streams, st.id)

	s.maybeDestroy()
}

func (s *Session) maybeDestroy() {
	if s.closing && len(s.streams) == 0 {
		s.destroy(nil)
	}
}

// Close the Session gracefully: no new Streams are accepted and the Session is destroyed
// once its last Stream is gone. onDone, if not nil, is called on EventClose.
func (s *Session) Close(onDone func()) error {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if s.destroyed {
		return stateError("close", "session", ErrDestroyed)
	}
	if onDone != nil {
		s.Once(EventClose, func(Event) { onDone() })
	}
	return s.close()
}

func (s *Session) close() error {
	if s.destroyed {
		return stateError("close", "session", ErrDestroyed)
	}
	if s.closing {
		return nil
	}
	s.closing = true

	log.WithFields(log.Fields{
		"session": s,
		"streams": len(s.streams),
	}).Debug("Session is closing")

	if h, ok := s.handle.get(); ok {
		h.GracefulClose()
	}

	s.maybeDestroy()
	return nil
}

// Destroy the Session and all its Streams immediately. If err is a *ProtocolError or a
// *SecurityError, its code is sent to the peer.
func (s *Session) Destroy(err error) {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	s.destroy(err)
}

func (s *Session) destroy(err error) {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.closing = false

	var perr *ProtocolError
	var serr *SecurityError
	if errors.As(err, &perr) {
		s.closeCode = perr.Code
	} else if errors.As(err, &serr) && serr.Code != (ErrorCode{}) {
		s.closeCode = serr.Code
	}

	log.WithFields(log.Fields{
		"session":    s,
		"close code": s.closeCode,
		"error":      err,
	}).Debug("Destroying Session")

	for _, st := range s.streamList() {
		st.destroy(err)
	}

	if h, ok := s.handle.release(); ok {
		s.stats = h.Stats()
		s.statsFrozen = true
		h.Destroy(s.closeCode)
	}
	s.statsFrozen = true

	if s.sink != nil {
		s.sink.detach()
	}

	if err != nil {
		s.loop.emit(&s.emitter, Event{Sender: s, Type: EventError, Message: err})
	}
	s.loop.emit(&s.emitter, Event{Sender: s, Type: EventClose})

	if ep := s.endpoint; ep != nil {
		ep.removeSession(s)
	}
}

// onClose handles a CONNECTION_CLOSE from the peer. The Session enters its closing period
// and is destroyed by the following silent close.
func (s *Session) onClose(code ErrorCode) {
	s.closeCode = code

	log.WithFields(log.Fields{
		"session":    s,
		"close code": code,
	}).Debug("Session was closed by peer")

	for _, st := range s.streamList() {
		st.close(code)
	}

	if h, ok := s.handle.get(); ok {
		h.Close(code)
	}
}

// onSilentClose handles the end of a Session without further packets being exchanged.
func (s *Session) onSilentClose(statelessReset bool, code ErrorCode) {
	s.statelessReset = statelessReset
	s.closeCode = code

	for _, st := range s.streamList() {
		st.abandon(code)
	}

	if code.IsError() {
		s.destroy(&ProtocolError{Code: code, Msg: "session closed with an error"})
	} else {
		s.destroy(nil)
	}
}

func (s *Session) onHandshake(info HandshakeInfo) {
	s.handshakeComplete = true
	s.serverName = info.ServerName
	s.alpn = info.ALPN
	s.cipher = info.Cipher
	s.maxPacketLength = info.MaxPacketLength
	s.verifyError = info.VerifyError

	log.WithFields(log.Fields{
		"session":     s,
		"server name": info.ServerName,
		"alpn":        info.ALPN,
		"cipher":      info.Cipher.Name,
	}).Debug("Session completed handshake")

	if !s.variant.handshakePost() {
		return
	}

	s.loop.emit(&s.emitter, Event{Sender: s, Type: EventSecure, Message: SecureInfo{
		ServerName: info.ServerName,
		ALPN:       info.ALPN,
		Cipher:     info.Cipher,
	}})
}

func (s *Session) onVersionNegotiation(vn VersionNegotiation) {
	s.destroy(&ProtocolError{
		Code:   ErrorCode{Family: FamilySession},
		Msg:    fmt.Sprintf("no common QUIC version, requested %x", vn.Version),
		Detail: vn,
		Err:    ErrVersionNegotiation,
	})
}

func (s *Session) onStreamReady(h StreamHandle) {
	if s.closing {
		log.WithFields(log.Fields{
			"session": s,
			"stream":  h.ID(),
		}).Warn("Closing session rejects incoming stream")

		h.Destroy()
		return
	}

	st := newStream(s, h)
	s.addStream(st)

	log.WithFields(log.Fields{
		"session": s,
		"stream":  st,
	}).Debug("Session admitted stream")

	s.loop.emit(&s.emitter, Event{Sender: s, Type: EventStream, Message: st})
}

func (s *Session) onStreamClose(id StreamID, code ErrorCode) {
	if st, ok := s.streams[id]; ok {
		st.destroy(nil)
	}
}

func (s *Session) onStreamReset(id StreamID, code ErrorCode, finalSize uint64) {
	if st, ok := s.streams[id]; ok {
		st.onReset(code, finalSize)
	}
}

func (s *Session) onStreamError(id StreamID, err error) {
	if st, ok := s.streams[id]; ok {
		st.destroy(err)
	}
}

func (s *Session) stream(id StreamID) *Stream {
	return s.streams[id]
}

func (s *Session) streamList() []*Stream {
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].id < streams[j].id })
	return streams
}

func (s *Session) emitNotification(et EventType, msg interface{}) {
	s.loop.emit(&s.emitter, Event{Sender: s, Type: et, Message: msg})
}

// UpdateKey initiates a key update. The handshake must be complete.
func (s *Session) UpdateKey() error {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	switch {
	case s.destroyed:
		return stateError("updateKey", "session", ErrDestroyed)
	case !s.handshakeComplete:
		return stateError("updateKey", "session", ErrNotSecure)
	}

	h, _ := s.handle.get()
	if err := h.UpdateKey(); err != nil {
		return &ProtocolError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "key update failed", Err: err}
	}
	return nil
}

// Ping sends a PING frame.
func (s *Session) Ping() error {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if s.destroyed {
		return stateError("ping", "session", ErrDestroyed)
	}
	h, ok := s.handle.get()
	if !ok {
		return stateError("ping", "session", ErrNotReady)
	}
	return h.Ping()
}

// EnableNotification requests an optional notification from the Engine: EventKeylog,
// EventClientHello, EventPathValidation or EventOCSPRequest.
func (s *Session) EnableNotification(et EventType) error {
	return s.setNotification(et, true)
}

// DisableNotification reverts EnableNotification.
func (s *Session) DisableNotification(et EventType) error {
	return s.setNotification(et, false)
}

func (s *Session) setNotification(et EventType, on bool) error {
	if err := validateNotifications([]EventType{et}); err != nil {
		return err
	}

	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if s.destroyed {
		return stateError("setNotification", "session", ErrDestroyed)
	}

	s.notifications[et] = on
	if h, ok := s.handle.get(); ok {
		h.SetNotification(et, on)
	}
	return nil
}

func (s *Session) Role() Role {
	return s.role
}

// ALPNProtocol is empty before the handshake completed.
func (s *Session) ALPNProtocol() string {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.alpn
}

// ServerName is empty before the handshake completed.
func (s *Session) ServerName() string {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.serverName
}

// Cipher is empty before the handshake completed.
func (s *Session) Cipher() CipherInfo {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.cipher
}

func (s *Session) MaxPacketLength() int {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.maxPacketLength
}

func (s *Session) HandshakeComplete() bool {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.handshakeComplete
}

func (s *Session) Closing() bool {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.closing
}

func (s *Session) Destroyed() bool {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.destroyed
}

func (s *Session) CloseCode() ErrorCode {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.closeCode
}

func (s *Session) StatelessReset() bool {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.statelessReset
}

// Authenticated reports if the handshake completed and the peer was verified.
func (s *Session) Authenticated() bool {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.handshakeComplete && s.verifyError == nil
}

// AuthenticationError is the reason why the peer could not be verified.
func (s *Session) AuthenticationError() error {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if s.verifyError == nil {
		return nil
	}
	return &SecurityError{Code: ErrorCode{Family: FamilyCrypto}, Msg: "peer not verified", Err: fmt.Errorf("%w: %v", ErrVerify, s.verifyError)}
}

func (s *Session) RemoteAddr() net.Addr {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if h, ok := s.handle.get(); ok {
		return h.RemoteAddr()
	}
	return nil
}

// Address is the local address of the owning Endpoint.
func (s *Session) Address() net.Addr {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if s.destroyed || s.endpoint == nil {
		return nil
	}
	return s.endpoint.localAddr()
}

// MaxStreams returns the configured stream limits this Session grants its peer, the
// local max-streams transport parameters. They are not the remaining credit granted by
// the peer, which OpenStream reports by failing. Zeroes are returned without an Engine handle.
func (s *Session) MaxStreams() (bidi, uni uint64) {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if h, ok := s.handle.get(); ok {
		return h.MaxStreams()
	}
	return
}

// Endpoint returns the current owner. After destruction, the last owner is returned.
func (s *Session) Endpoint() *Endpoint {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.endpoint
}

func (s *Session) Certificate() *x509.Certificate {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if h, ok := s.handle.get(); ok {
		return h.Certificate()
	}
	return nil
}

func (s *Session) PeerCertificate() *x509.Certificate {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	if h, ok := s.handle.get(); ok {
		return h.PeerCertificate()
	}
	return nil
}

// Streams returns a snapshot of the open Streams, ordered by id.
func (s *Session) Streams() []*Stream {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.streamList()
}

// Stats returns the Engine's counters. After destruction, the final counters are returned.
func (s *Session) Stats() SessionStats {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	return s.sessionStats()
}

func (s *Session) sessionStats() SessionStats {
	if !s.statsFrozen {
		if h, ok := s.handle.get(); ok {
			stats := h.Stats()
			if stats.Created.IsZero() {
				stats.Created = s.stats.Created
			}
			return stats
		}
	}
	return s.stats
}

// Duration since creation.
func (s *Session) Duration() time.Duration {
	return time.Since(s.Stats().Created)
}

// HandshakeDuration is the duration of the handshake, or of its progress so far.
func (s *Session) HandshakeDuration() time.Duration {
	stats := s.Stats()
	if stats.HandshakeStarted.IsZero() {
		return 0
	}
	if stats.HandshakeCompleted.IsZero() {
		return time.Since(stats.HandshakeStarted)
	}
	return stats.HandshakeCompleted.Sub(stats.HandshakeStarted)
}

// SessionInfo is a snapshot of a Session.
type SessionInfo struct {
	ID                uint64       `json:"id"`
	Role              string       `json:"role"`
	Remote            string       `json:"remote,omitempty"`
	ServerName        string       `json:"serverName,omitempty"`
	ALPN              string       `json:"alpn,omitempty"`
	Cipher            string       `json:"cipher,omitempty"`
	HandshakeComplete bool         `json:"handshakeComplete"`
	Closing           bool         `json:"closing"`
	Destroyed         bool         `json:"destroyed"`
	Streams           []StreamID   `json:"streams"`
	Stats             SessionStats `json:"stats"`
}

// Info returns a consistent snapshot of the Session.
func (s *Session) Info() SessionInfo {
	s.loop.state.Lock()
	defer s.loop.state.Unlock()

	info := SessionInfo{
		ID:                s.id,
		Role:              s.role.String(),
		ServerName:        s.serverName,
		ALPN:              s.alpn,
		Cipher:            s.cipher.Name,
		HandshakeComplete: s.handshakeComplete,
		Closing:           s.closing,
		Destroyed:         s.destroyed,
		Streams:           []StreamID{},
		Stats:             s.sessionStats(),
	}
	if h, ok := s.handle.get(); ok {
		if remote := h.RemoteAddr(); remote != nil {
			info.Remote = remote.String()
		}
	}
	for _, st := range s.streamList() {
		info.Streams = append(info.Streams, st.id)
	}
	return info
}
