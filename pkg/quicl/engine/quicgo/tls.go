// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// serverTLSConfig defers everything to the ClientHello, where the session is created.
func (s *socket) serverTLSConfig(params quicl.ListenParams) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{params.ALPN},
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			return s.clientHello(params, chi)
		},
	}
}

// clientHello creates the server session and runs the ClientHello and certificate callbacks.
func (s *socket) clientHello(params quicl.ListenParams, chi *tls.ClientHelloInfo) (*tls.Config, error) {
	sess := newServerSession(s, chi.Conn.RemoteAddr(), params)
	if err := s.admit(sess); err != nil {
		log.WithFields(log.Fields{
			"remote": sess.remote,
			"error":  err,
		}).Debug("quicgo refused session")
		return nil, err
	}

	sess.setEvents(s.events.OnSessionReady(sess))
	go sess.watchHandshake(chi.Context())

	ctx := params.Context
	if params.SelectContext != nil {
		if selected := params.SelectContext(chi.ServerName); selected != nil {
			ctx = selected
		}
	}

	if sess.enabled(quicl.EventClientHello) {
		alpn, ciphers := selectALPN(params.ALPN, chi.SupportedProtos), cipherNames(chi.CipherSuites)
		sess.notify(func(ev quicl.SessionEvents) { ev.OnClientHello(alpn, chi.ServerName, ciphers) })

		helloCtx, err := sess.waitClientHello()
		if err != nil {
			sess.finish(err)
			return nil, err
		}
		if helloCtx != nil {
			ctx = helloCtx
		}
	}

	sess.notify(func(ev quicl.SessionEvents) { ev.OnCert(chi.ServerName) })
	certCtx, ocsp, err := sess.waitCert()
	if err != nil {
		sess.finish(err)
		return nil, err
	}
	if certCtx == nil {
		certCtx = ctx
	}

	var cert *tls.Certificate
	if certCtx != nil {
		cert = certCtx.Certificate()
	}
	if cert == nil {
		err := fmt.Errorf("quicgo: no certificate for server name %q", chi.ServerName)
		sess.finish(err)
		return nil, err
	}
	if ocsp != nil {
		stapled := *cert
		stapled.OCSPStaple = ocsp
		cert = &stapled
	}
	sess.setContext(certCtx)

	conf := &tls.Config{
		MinVersion:       tls.VersionTLS13,
		NextProtos:       []string{params.ALPN},
		Certificates:     []tls.Certificate{*cert},
		CipherSuites:     certCtx.CipherSuites(),
		CurvePreferences: certCtx.CurvePreferences(),
		KeyLogWriter:     &keylogWriter{session: sess},
	}
	if params.RequestCert {
		roots := certCtx.RootCAs()
		conf.ClientAuth = tls.RequestClientCert
		conf.VerifyConnection = func(cs tls.ConnectionState) error {
			err := verifyPeer(cs.PeerCertificates, roots, "", x509.ExtKeyUsageClientAuth)
			if err != nil && params.RejectUnauthorized {
				return err
			}
			sess.setVerifyError(err)
			return nil
		}
	}
	return conf, nil
}

func selectALPN(ours string, offered []string) string {
	if slices.Contains(offered, ours) {
		return ours
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return ""
}

func cipherNames(ids []uint16) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, tls.CipherSuiteName(id))
	}
	return names
}

// clientTLSConfig creates the TLS configuration of a client session. The server certificate
// is verified by hand, so that a failure is reported instead of aborting the handshake.
func (sess *session) clientTLSConfig(params quicl.ConnectParams, resume *tls.ClientSessionState) *tls.Config {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         params.ServerName,
		NextProtos:         []string{params.ALPN},
		InsecureSkipVerify: true,
		ClientSessionCache: &ticketCache{session: sess, resume: resume},
		KeyLogWriter:       &keylogWriter{session: sess},
	}

	var roots *x509.CertPool
	if ctx := params.Context; ctx != nil {
		roots = ctx.RootCAs()
		conf.CipherSuites = ctx.CipherSuites()
		conf.CurvePreferences = ctx.CurvePreferences()
		if cert := ctx.Certificate(); cert != nil {
			conf.Certificates = []tls.Certificate{*cert}
		}
	}

	dnsName := ""
	if params.VerifyHostnameIdentity {
		dnsName = params.ServerName
	}

	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		if params.RequestOCSP {
			response := cs.OCSPResponse
			sess.notify(func(ev quicl.SessionEvents) { ev.OnStatus(response) })
		}

		sess.setVerifyError(verifyPeer(cs.PeerCertificates, roots, dnsName, x509.ExtKeyUsageServerAuth))
		return nil
	}
	return conf
}

func verifyPeer(certs []*x509.Certificate, roots *x509.CertPool, dnsName string, usage x509.ExtKeyUsage) error {
	if len(certs) == 0 {
		return fmt.Errorf("%w: peer sent no certificate", quicl.ErrVerify)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		DNSName:       dnsName,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{usage},
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}

	if _, err := certs[0].Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", quicl.ErrVerify, err)
	}
	return nil
}

// ticketCache offers a single session for resumption and reports new tickets.
type ticketCache struct {
	session *session
	resume  *tls.ClientSessionState
}

// parseTicket restores a ticket as reported by ticketCache.Put.
func parseTicket(id, ticket []byte) (*tls.ClientSessionState, error) {
	state, err := tls.ParseSessionState(ticket)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quicl.ErrInvalidSessionTicket, err)
	}

	resume, err := tls.NewResumptionState(id, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", quicl.ErrInvalidSessionTicket, err)
	}
	return resume, nil
}

func (cache *ticketCache) Get(string) (*tls.ClientSessionState, bool) {
	return cache.resume, cache.resume != nil
}

func (cache *ticketCache) Put(_ string, cs *tls.ClientSessionState) {
	if cs == nil {
		return
	}

	id, state, err := cs.ResumptionState()
	if err != nil || state == nil {
		return
	}
	ticket, err := state.Bytes()
	if err != nil {
		log.WithError(err).Debug("quicgo failed to serialize session ticket")
		return
	}

	tp, err := quicl.EncodeTransportParams(quicl.FromSessionConfig(cache.session.config))
	if err != nil {
		tp = nil
	}

	cache.session.notify(func(ev quicl.SessionEvents) {
		ev.OnTicket(quicl.SessionTicket{ID: id, Ticket: ticket, TransportParams: tp})
	})
}

// keylogWriter forwards NSS key log lines while the keylog notification is enabled.
type keylogWriter struct {
	session *session
}

func (w *keylogWriter) Write(p []byte) (int, error) {
	if w.session.enabled(quicl.EventKeylog) {
		line := append([]byte(nil), p...)
		w.session.notify(func(ev quicl.SessionEvents) { ev.OnKeylog(line) })
	}
	return len(p), nil
}

// keyInfo describes the key exchange group. crypto/tls does not expose the negotiated
// group, so the most preferred one is reported.
func keyInfo(curves []tls.CurveID) quicl.KeyInfo {
	curve := tls.X25519
	if len(curves) > 0 {
		curve = curves[0]
	}

	switch curve {
	case tls.X25519:
		return quicl.KeyInfo{Type: "ECDH", Name: "X25519", Size: 253}
	case tls.CurveP256:
		return quicl.KeyInfo{Type: "ECDH", Name: "prime256v1", Size: 256}
	case tls.CurveP384:
		return quicl.KeyInfo{Type: "ECDH", Name: "secp384r1", Size: 384}
	case tls.CurveP521:
		return quicl.KeyInfo{Type: "ECDH", Name: "secp521r1", Size: 521}
	default:
		return quicl.KeyInfo{Type: "ECDH", Name: curve.String()}
	}
}
