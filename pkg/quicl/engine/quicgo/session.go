// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

const (
	// closeLinger delays the CONNECTION_CLOSE of a gracefully closed session after its last
	// stream. quic-go does not tell when sent stream data was acknowledged.
	closeLinger = 100 * time.Millisecond
	// handshakeGrace is the time a completed server handshake may take to be accepted.
	handshakeGrace = time.Second
)

type helloResult struct {
	ctx *quicl.SecureContext
}

type certResult struct {
	ctx  *quicl.SecureContext
	ocsp []byte
}

// session is the quicl.SessionHandle of a quic.Conn.
type session struct {
	socket  *socket
	// origin carries the connection's packets. It differs from socket after a migration.
	origin  *socket
	server  bool
	remote  net.Addr
	config  quicl.SessionConfig
	qconf   *quic.Config
	tlsConf *tls.Config
	created time.Time
	timeout time.Duration

	mutex         sync.Mutex
	events        quicl.SessionEvents
	conn          *quic.Conn
	cancelDial    context.CancelFunc
	context       *quicl.SecureContext
	notifications map[quicl.EventType]bool
	streams       map[quicl.StreamID]*stream
	graceful      bool
	closed        bool
	destroyed     bool
	finished      bool
	verifyErr     error

	handshakeStarted   time.Time
	handshakeCompleted time.Time

	helloDone chan helloResult
	certDone  chan certResult
	started   chan struct{}
	gone      chan struct{}

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	bidiStreams   atomic.Uint64
	uniStreams    atomic.Uint64
	peerStreams   atomic.Uint64
	localStreams  atomic.Uint64
}

func newSession(s *socket, server bool, remote net.Addr, cfg quicl.SessionConfig, notifications []quicl.EventType) *session {
	sess := &session{
		socket:        s,
		origin:        s,
		server:        server,
		remote:        remote,
		config:        cfg,
		qconf:         quicConfig(cfg, s.engine.handshakeTimeout()),
		created:       time.Now(),
		timeout:       s.engine.handshakeTimeout(),
		notifications: make(map[quicl.EventType]bool),
		streams:       make(map[quicl.StreamID]*stream),
		helloDone:     make(chan helloResult, 1),
		certDone:      make(chan certResult, 1),
		started:       make(chan struct{}),
		gone:          make(chan struct{}),
	}
	for _, et := range notifications {
		sess.notifications[et] = true
	}
	return sess
}

func newServerSession(s *socket, remote net.Addr, params quicl.ListenParams) *session {
	sess := newSession(s, true, remote, params.Config, params.Notifications)
	sess.context = params.Context
	sess.handshakeStarted = sess.created
	return sess
}

func newClientSession(s *socket, params quicl.ConnectParams, events quicl.SessionEvents) (*session, error) {
	if params.RemoteTransportParams != nil {
		if err := params.RemoteTransportParams.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", quicl.ErrInvalidRemoteTransportParams, err)
		}
	}

	var resume *tls.ClientSessionState
	if len(params.SessionTicket) > 0 {
		var err error
		if resume, err = parseTicket(params.SessionTicketID, params.SessionTicket); err != nil {
			return nil, err
		}
	}

	if len(params.DCID) > 0 {
		log.WithField("dcid", fmt.Sprintf("%x", params.DCID)).Debug("quicgo ignores the requested DCID")
	}

	sess := newSession(s, false, params.Remote, params.Config, params.Notifications)
	sess.events = events
	sess.context = params.Context
	sess.tlsConf = sess.clientTLSConfig(params, resume)
	return sess, nil
}

func (sess *session) String() string {
	role := "client"
	if sess.server {
		role = "server"
	}
	return fmt.Sprintf("quicgo.session(%s, %v)", role, sess.remote)
}

func (sess *session) owner() *socket {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	return sess.socket
}

func (sess *session) setEvents(events quicl.SessionEvents) {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	sess.events = events
}

func (sess *session) setContext(ctx *quicl.SecureContext) {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	sess.context = ctx
}

func (sess *session) setVerifyError(err error) {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	sess.verifyErr = err
}

func (sess *session) enabled(et quicl.EventType) bool {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	return sess.notifications[et]
}

// notify hands f the SessionEvents, unless the session was destroyed.
func (sess *session) notify(f func(quicl.SessionEvents)) {
	sess.mutex.Lock()
	events, destroyed := sess.events, sess.destroyed
	sess.mutex.Unlock()

	if destroyed || events == nil {
		return
	}
	f(events)
}

// dial connects a client session in the background.
func (sess *session) dial(transport *quic.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), sess.timeout)

	sess.mutex.Lock()
	sess.cancelDial = cancel
	sess.handshakeStarted = time.Now()
	sess.mutex.Unlock()

	go func() {
		defer cancel()

		conn, err := transport.Dial(ctx, sess.remote, sess.tlsConf, sess.qconf)
		if err != nil {
			log.WithFields(log.Fields{
				"session": sess,
				"error":   err,
			}).Debug("quicgo failed to dial")

			sess.finish(err)
			return
		}
		sess.start(conn)
	}()
}

// watchHandshake fails a server session whose handshake never completed.
func (sess *session) watchHandshake(ctx context.Context) {
	timer := time.NewTimer(sess.timeout)
	defer timer.Stop()

	select {
	case <-sess.started:
		return
	case <-sess.gone:
		return
	case <-ctx.Done():
	case <-timer.C:
	}

	select {
	case <-sess.started:
		return
	case <-sess.gone:
		return
	case <-time.After(handshakeGrace):
	}

	cause := context.Cause(ctx)
	if cause == nil {
		cause = errHandshakeTimeout
	}
	sess.finish(fmt.Errorf("quicgo: handshake failed: %w", cause))
}

func (sess *session) waitClientHello() (*quicl.SecureContext, error) {
	select {
	case r := <-sess.helloDone:
		return r.ctx, nil
	case <-sess.gone:
		return nil, errSessionDestroyed
	case <-time.After(sess.timeout):
		return nil, errHandshakeTimeout
	}
}

func (sess *session) waitCert() (*quicl.SecureContext, []byte, error) {
	select {
	case r := <-sess.certDone:
		return r.ctx, r.ocsp, nil
	case <-sess.gone:
		return nil, nil, errSessionDestroyed
	case <-time.After(sess.timeout):
		return nil, nil, errHandshakeTimeout
	}
}

// start is called once the handshake of conn completed.
func (sess *session) start(conn *quic.Conn) {
	sess.mutex.Lock()
	if sess.destroyed {
		sess.mutex.Unlock()
		go func() { _ = conn.CloseWithError(0, "") }()
		return
	}
	sess.conn = conn
	sess.handshakeCompleted = time.Now()
	verifyErr := sess.verifyErr
	graceful := sess.graceful
	close(sess.started)
	sess.mutex.Unlock()

	state := conn.ConnectionState()
	info := quicl.HandshakeInfo{
		ServerName: state.TLS.ServerName,
		ALPN:       state.TLS.NegotiatedProtocol,
		Cipher: quicl.CipherInfo{
			Name:    tls.CipherSuiteName(state.TLS.CipherSuite),
			Version: tls.VersionName(state.TLS.Version),
		},
		MaxPacketLength: int(sess.config.Values[quicl.IdxMaxPacketSize]),
		VerifyError:     verifyErr,
	}

	log.WithFields(log.Fields{
		"session": sess,
		"alpn":    info.ALPN,
		"cipher":  info.Cipher.Name,
		"resumed": state.TLS.DidResume,
	}).Debug("quicgo session completed handshake")

	sess.notify(func(ev quicl.SessionEvents) { ev.OnHandshake(info) })

	go sess.acceptStreams(conn)
	go sess.acceptUniStreams(conn)
	go sess.receiveDatagrams(conn)

	if graceful {
		sess.closeIfIdle()
	}
}

func (sess *session) acceptStreams(conn *quic.Conn) {
	for {
		qs, err := conn.AcceptStream(context.Background())
		if err != nil {
			sess.finish(err)
			return
		}
		sess.addStream(newStream(sess, qs.StreamID(), qs, qs), true)
	}
}

func (sess *session) acceptUniStreams(conn *quic.Conn) {
	for {
		qs, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		sess.addStream(newStream(sess, qs.StreamID(), qs, nil), true)
	}
}

// receiveDatagrams discards incoming datagrams, which are only sent as PINGs.
func (sess *session) receiveDatagrams(conn *quic.Conn) {
	for {
		if _, err := conn.ReceiveDatagram(context.Background()); err != nil {
			return
		}
	}
}

func (sess *session) addStream(st *stream, remote bool) {
	sess.mutex.Lock()
	if sess.destroyed || sess.finished {
		sess.mutex.Unlock()
		st.Destroy()
		return
	}
	sess.streams[st.id] = st
	sess.mutex.Unlock()

	if st.id.Unidirectional() {
		sess.uniStreams.Add(1)
	} else {
		sess.bidiStreams.Add(1)
	}
	if remote {
		sess.peerStreams.Add(1)
		sess.notify(func(ev quicl.SessionEvents) { ev.OnStreamReady(st) })
	} else {
		sess.localStreams.Add(1)
	}

	st.run()
}

func (sess *session) removeStream(st *stream) {
	sess.mutex.Lock()
	if cur, ok := sess.streams[st.id]; !ok || cur != st {
		sess.mutex.Unlock()
		return
	}
	delete(sess.streams, st.id)
	idle := sess.graceful && len(sess.streams) == 0
	sess.mutex.Unlock()

	if idle {
		sess.closeIfIdle()
	}
}

// closeIfIdle closes a gracefully closing session after closeLinger, if it is still idle.
func (sess *session) closeIfIdle() {
	time.AfterFunc(closeLinger, func() {
		sess.mutex.Lock()
		idle := len(sess.streams) == 0
		sess.mutex.Unlock()

		if idle {
			sess.Close(quicl.NoError)
		}
	})
}

// finish reports the end of the session's connection.
func (sess *session) finish(err error) {
	sess.mutex.Lock()
	if sess.finished {
		sess.mutex.Unlock()
		return
	}
	sess.finished = true
	sess.closed = true
	streams := make([]*stream, 0, len(sess.streams))
	for _, st := range sess.streams {
		streams = append(streams, st)
	}
	sess.mutex.Unlock()

	for _, st := range streams {
		st.stop()
	}
	sess.owner().removeSession(sess)
	sess.origin.release(sess)

	kind, code := classify(err)

	log.WithFields(log.Fields{
		"session": sess,
		"kind":    kind,
		"code":    code,
		"error":   err,
	}).Debug("quicgo session ended")

	switch kind {
	case closeRemote:
		sess.notify(func(ev quicl.SessionEvents) {
			ev.OnClose(code)
			ev.OnSilentClose(false, code)
		})

	case closeLocal, closeSilent:
		sess.notify(func(ev quicl.SessionEvents) { ev.OnSilentClose(false, code) })

	case closeReset:
		sess.notify(func(ev quicl.SessionEvents) { ev.OnSilentClose(true, code) })

	case closeVersion:
		vn, _ := versionNegotiation(err)
		sess.notify(func(ev quicl.SessionEvents) { ev.OnVersionNegotiation(vn) })

	default:
		sess.notify(func(ev quicl.SessionEvents) { ev.OnError(err) })
	}
}

func (sess *session) OpenStream(unidirectional bool) (quicl.StreamHandle, error) {
	sess.mutex.Lock()
	conn, graceful := sess.conn, sess.graceful
	sess.mutex.Unlock()

	switch {
	case conn == nil:
		return nil, errNotConnected
	case graceful:
		return nil, fmt.Errorf("quicgo: session is closing")
	}

	var st *stream
	if unidirectional {
		qs, err := conn.OpenUniStream()
		if err != nil {
			return nil, err
		}
		st = newStream(sess, qs.StreamID(), nil, qs)
	} else {
		qs, err := conn.OpenStream()
		if err != nil {
			return nil, err
		}
		st = newStream(sess, qs.StreamID(), qs, qs)
	}

	sess.addStream(st, false)
	return st, nil
}

func (sess *session) GracefulClose() {
	sess.mutex.Lock()
	if sess.graceful {
		sess.mutex.Unlock()
		return
	}
	sess.graceful = true
	idle := sess.conn != nil && len(sess.streams) == 0
	sess.mutex.Unlock()

	if idle {
		sess.closeIfIdle()
	}
}

func (sess *session) Close(code quicl.ErrorCode) {
	sess.mutex.Lock()
	conn, cancel := sess.conn, sess.cancelDial
	if sess.closed {
		sess.mutex.Unlock()
		return
	}
	sess.closed = true
	sess.mutex.Unlock()

	if conn != nil {
		go func() { _ = conn.CloseWithError(quic.ApplicationErrorCode(code.Code), "") }()
	} else if cancel != nil {
		cancel()
	}
}

func (sess *session) Destroy(code quicl.ErrorCode) {
	sess.mutex.Lock()
	if sess.destroyed {
		sess.mutex.Unlock()
		return
	}
	sess.destroyed = true
	close(sess.gone)

	conn, cancel, closed := sess.conn, sess.cancelDial, sess.closed
	sess.closed = true

	streams := make([]*stream, 0, len(sess.streams))
	for _, st := range sess.streams {
		streams = append(streams, st)
	}
	sess.mutex.Unlock()

	for _, st := range streams {
		st.Destroy()
	}

	if cancel != nil {
		cancel()
	}

	sess.owner().removeSession(sess)

	if conn != nil && !closed {
		go func() {
			_ = conn.CloseWithError(quic.ApplicationErrorCode(code.Code), "")
			sess.origin.release(sess)
		}()
	} else {
		sess.origin.release(sess)
	}
}

// UpdateKey is refused, quic-go initiates key updates on its own.
func (sess *session) UpdateKey() error {
	return fmt.Errorf("quicgo: key update: %w", errors.ErrUnsupported)
}

// Ping sends an empty DATAGRAM frame, which is ack-eliciting.
func (sess *session) Ping() error {
	sess.mutex.Lock()
	conn := sess.conn
	sess.mutex.Unlock()

	if conn == nil {
		return errNotConnected
	}
	return conn.SendDatagram([]byte{})
}

// SetSocket migrates a client session onto another socket, probing the new path first.
func (sess *session) SetSocket(h quicl.SocketHandle) bool {
	target, ok := h.(*socket)
	if !ok || sess.server {
		return false
	}

	sess.mutex.Lock()
	conn := sess.conn
	sess.mutex.Unlock()

	target.mutex.Lock()
	transport := target.transport
	target.mutex.Unlock()

	if conn == nil || transport == nil {
		return false
	}

	path, err := conn.AddPath(transport)
	if err != nil {
		log.WithFields(log.Fields{
			"session": sess,
			"error":   err,
		}).Warn("quicgo failed to add path")
		return false
	}

	sess.owner().removeSession(sess)
	target.mutex.Lock()
	target.addSession(sess)
	target.mutex.Unlock()

	sess.mutex.Lock()
	sess.socket = target
	sess.mutex.Unlock()

	// The connection stays on its origin's transport, which must survive the origin's Close.
	if sess.origin != target {
		sess.origin.keep(sess)

		sess.mutex.Lock()
		ended := sess.finished || sess.destroyed
		sess.mutex.Unlock()
		if ended {
			sess.origin.release(sess)
		}
	} else {
		sess.origin.release(sess)
	}

	go sess.migrate(path, target)
	return true
}

func (sess *session) migrate(path *quic.Path, target *socket) {
	ctx, cancel := context.WithTimeout(context.Background(), sess.timeout)
	defer cancel()

	pv := quicl.PathValidation{
		Result: quicl.PathSuccess,
		Local:  target.LocalAddr(),
		Remote: sess.remote,
	}

	if err := path.Probe(ctx); err != nil {
		pv.Result = quicl.PathFailure
		_ = path.Close()
	} else if err := path.Switch(); err != nil {
		pv.Result = quicl.PathFailure
		_ = path.Close()
	}

	log.WithFields(log.Fields{
		"session": sess,
		"local":   pv.Local,
		"result":  pv.Result,
	}).Debug("quicgo path validation finished")

	if sess.enabled(quicl.EventPathValidation) {
		sess.notify(func(ev quicl.SessionEvents) { ev.OnPathValidation(pv) })
	}
}

func (sess *session) SetNotification(et quicl.EventType, on bool) {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	sess.notifications[et] = on
}

func (sess *session) OnClientHelloDone(ctx *quicl.SecureContext) error {
	select {
	case sess.helloDone <- helloResult{ctx: ctx}:
		return nil
	default:
		return fmt.Errorf("quicgo: no pending client hello")
	}
}

func (sess *session) OnCertDone(ctx *quicl.SecureContext, ocspResponse []byte) error {
	select {
	case sess.certDone <- certResult{ctx: ctx, ocsp: ocspResponse}:
		return nil
	default:
		return fmt.Errorf("quicgo: no pending certificate request")
	}
}

func (sess *session) EphemeralKeyInfo() quicl.KeyInfo {
	if sess.server {
		return quicl.KeyInfo{}
	}

	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	if sess.conn == nil {
		return quicl.KeyInfo{}
	}
	return keyInfo(sess.tlsConf.CurvePreferences)
}

// MaxStreams reports the local limits, quic-go does not expose the peer's credit.
func (sess *session) MaxStreams() (bidi, uni uint64) {
	return sess.config.Values[quicl.IdxMaxStreamsBidi], sess.config.Values[quicl.IdxMaxStreamsUni]
}

func (sess *session) RemoteAddr() net.Addr {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	if sess.conn != nil {
		return sess.conn.RemoteAddr()
	}
	return sess.remote
}

func (sess *session) Certificate() *x509.Certificate {
	sess.mutex.Lock()
	ctx := sess.context
	sess.mutex.Unlock()

	if ctx == nil {
		return nil
	}
	cert := ctx.Certificate()
	if cert == nil || len(cert.Certificate) == 0 {
		return nil
	}
	if cert.Leaf != nil {
		return cert.Leaf
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil
	}
	return leaf
}

func (sess *session) PeerCertificate() *x509.Certificate {
	sess.mutex.Lock()
	conn := sess.conn
	sess.mutex.Unlock()

	if conn == nil {
		return nil
	}
	if certs := conn.ConnectionState().TLS.PeerCertificates; len(certs) > 0 {
		return certs[0]
	}
	return nil
}

func (sess *session) Stats() quicl.SessionStats {
	sess.mutex.Lock()
	defer sess.mutex.Unlock()

	return quicl.SessionStats{
		Created:            sess.created,
		HandshakeStarted:   sess.handshakeStarted,
		HandshakeCompleted: sess.handshakeCompleted,
		BytesReceived:      sess.bytesReceived.Load(),
		BytesSent:          sess.bytesSent.Load(),
		BidiStreams:        sess.bidiStreams.Load(),
		UniStreams:         sess.uniStreams.Load(),
		PeerStreams:        sess.peerStreams.Load(),
		LocalStreams:       sess.localStreams.Load(),
	}
}
