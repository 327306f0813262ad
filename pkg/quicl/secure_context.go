// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultCiphers = "TLS_AES_128_GCM_SHA256:TLS_AES_256_GCM_SHA384:TLS_CHACHA20_POLY1305_SHA256"
	DefaultGroups  = "X25519:P-256:P-384:P-521"
)

// SecureOptions describe a SecureContext. PEM data takes precedence over files.
type SecureOptions struct {
	CertPEM  []byte `toml:"-"`
	KeyPEM   []byte `toml:"-"`
	CAPEM    []byte `toml:"-"`
	CertFile string `toml:"cert"`
	KeyFile  string `toml:"key"`
	CAFile   string `toml:"ca"`

	// Ciphers and Groups are colon separated lists.
	Ciphers string `toml:"ciphers"`
	Groups  string `toml:"groups"`
}

func (opts SecureOptions) empty() bool {
	return len(opts.CertPEM) == 0 && len(opts.KeyPEM) == 0 && len(opts.CAPEM) == 0 &&
		opts.CertFile == "" && opts.KeyFile == "" && opts.CAFile == "" &&
		opts.Ciphers == "" && opts.Groups == ""
}

// SecureContext holds the TLS material of a Session. Its certificate may be replaced at runtime.
type SecureContext struct {
	mutex       sync.RWMutex
	certificate *tls.Certificate

	roots        *x509.CertPool
	cipherSuites []uint16
	curves       []tls.CurveID
}

// NewSecureContext creates a SecureContext. A missing certificate is fine for clients.
func NewSecureContext(opts SecureOptions) (*SecureContext, error) {
	ctx := &SecureContext{}

	certPEM, keyPEM := opts.CertPEM, opts.KeyPEM
	if len(certPEM) == 0 && opts.CertFile != "" {
		var err error
		if certPEM, keyPEM, err = readKeyPair(opts.CertFile, opts.KeyFile); err != nil {
			return nil, err
		}
	}
	if len(certPEM) != 0 {
		if err := ctx.Reload(certPEM, keyPEM); err != nil {
			return nil, err
		}
	}

	caPEM := opts.CAPEM
	if len(caPEM) == 0 && opts.CAFile != "" {
		var err error
		if caPEM, err = os.ReadFile(opts.CAFile); err != nil {
			return nil, &ArgumentError{Name: "ca", Value: opts.CAFile, Reason: err.Error()}
		}
	}
	if len(caPEM) != 0 {
		ctx.roots = x509.NewCertPool()
		if !ctx.roots.AppendCertsFromPEM(caPEM) {
			return nil, &ArgumentError{Name: "ca", Value: opts.CAFile, Reason: "no certificate found"}
		}
	}

	var err error
	if ctx.cipherSuites, err = parseCiphers(opts.Ciphers); err != nil {
		return nil, err
	}
	if ctx.curves, err = parseGroups(opts.Groups); err != nil {
		return nil, err
	}

	return ctx, nil
}

func readKeyPair(certFile, keyFile string) (certPEM, keyPEM []byte, err error) {
	if certPEM, err = os.ReadFile(certFile); err != nil {
		err = &ArgumentError{Name: "cert", Value: certFile, Reason: err.Error()}
		return
	}
	if keyPEM, err = os.ReadFile(keyFile); err != nil {
		err = &ArgumentError{Name: "key", Value: keyFile, Reason: err.Error()}
	}
	return
}

func parseCiphers(s string) ([]uint16, error) {
	if s == "" {
		s = DefaultCiphers
	}

	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}

	var ids []uint16
	for _, name := range strings.Split(s, ":") {
		id, ok := known[name]
		if !ok {
			return nil, &ArgumentError{Name: "ciphers", Value: name, Reason: "unknown cipher suite"}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseGroups(s string) ([]tls.CurveID, error) {
	if s == "" {
		s = DefaultGroups
	}

	var curves []tls.CurveID
	for _, name := range strings.Split(s, ":") {
		switch name {
		case "X25519":
			curves = append(curves, tls.X25519)
		case "P-256":
			curves = append(curves, tls.CurveP256)
		case "P-384":
			curves = append(curves, tls.CurveP384)
		case "P-521":
			curves = append(curves, tls.CurveP521)
		default:
			return nil, &ArgumentError{Name: "groups", Value: name, Reason: "unknown group"}
		}
	}
	return curves, nil
}

// Reload replaces the certificate.
func (ctx *SecureContext) Reload(certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return &SecurityError{Msg: "cannot load key pair", Err: err}
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return &SecurityError{Msg: "cannot parse certificate", Err: err}
		}
	}

	ctx.mutex.Lock()
	ctx.certificate = &cert
	ctx.mutex.Unlock()

	log.WithField("subject", cert.Leaf.Subject.String()).Debug("Loaded certificate")
	return nil
}

// ReloadFiles replaces the certificate by the PEM files' contents.
func (ctx *SecureContext) ReloadFiles(certFile, keyFile string) error {
	certPEM, keyPEM, err := readKeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	return ctx.Reload(certPEM, keyPEM)
}

// Certificate returns the current certificate or nil.
func (ctx *SecureContext) Certificate() *tls.Certificate {
	ctx.mutex.RLock()
	defer ctx.mutex.RUnlock()

	return ctx.certificate
}

// RootCAs returns the trusted roots or nil for the system's pool.
func (ctx *SecureContext) RootCAs() *x509.CertPool {
	return ctx.roots
}

func (ctx *SecureContext) CipherSuites() []uint16 {
	return ctx.cipherSuites
}

func (ctx *SecureContext) CurvePreferences() []tls.CurveID {
	return ctx.curves
}

func (ctx *SecureContext) String() string {
	if cert := ctx.Certificate(); cert != nil && cert.Leaf != nil {
		return fmt.Sprintf("SecureContext(%s)", cert.Leaf.Subject.CommonName)
	}
	return "SecureContext()"
}

// contextTable maps server name patterns to SecureContexts. The first match wins.
type contextTable struct {
	entries []contextEntry
}

type contextEntry struct {
	pattern string
	matcher glob.Glob
	context *SecureContext
}

// compileServerName turns pattern into a glob in which only '*' is special.
func compileServerName(pattern string) (glob.Glob, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	return glob.Compile(strings.Join(parts, "*"), '.')
}

func (table *contextTable) add(pattern string, ctx *SecureContext) error {
	if pattern == "" {
		return &ArgumentError{Name: "pattern", Value: pattern, Reason: "must not be empty"}
	}
	if ctx == nil {
		return &ArgumentError{Name: "context", Value: nil, Reason: "must not be nil"}
	}

	matcher, err := compileServerName(pattern)
	if err != nil {
		return &ArgumentError{Name: "pattern", Value: pattern, Reason: err.Error()}
	}

	table.entries = append(table.entries, contextEntry{pattern: pattern, matcher: matcher, context: ctx})
	return nil
}

func (table *contextTable) match(serverName string) *SecureContext {
	for _, entry := range table.entries {
		if entry.matcher.Match(serverName) {
			return entry.context
		}
	}
	return nil
}
