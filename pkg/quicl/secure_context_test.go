// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dtn7/quicl-go/internal/selfsigned"
)

func TestSecureContextOptions(t *testing.T) {
	ctx, err := NewSecureContext(SecureOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Certificate() != nil || len(ctx.CipherSuites()) != 3 || len(ctx.CurvePreferences()) != 4 {
		t.Fatal("unexpected defaults")
	}

	ctx, err = NewSecureContext(SecureOptions{Ciphers: "TLS_AES_256_GCM_SHA384", Groups: "P-256"})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.CipherSuites()[0] != tls.TLS_AES_256_GCM_SHA384 || ctx.CurvePreferences()[0] != tls.CurveP256 {
		t.Fatal("ciphers or groups were not parsed")
	}

	var argErr *ArgumentError
	for _, opts := range []SecureOptions{
		{Ciphers: "TLS_NULL"},
		{Groups: "P-123"},
		{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
		{CAPEM: []byte("no pem")},
	} {
		if _, err := NewSecureContext(opts); !errors.As(err, &argErr) {
			t.Fatalf("%v resulted in %v", opts, err)
		}
	}
}

func TestSecureContextReload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")

	write := func(host string) {
		certPEM, keyPEM, err := selfsigned.Generate(host)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
			t.Fatal(err)
		}
	}

	write("first.test")
	ctx, err := NewSecureContext(SecureOptions{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatal(err)
	}
	if cn := ctx.Certificate().Leaf.Subject.CommonName; cn != "first.test" {
		t.Fatalf("unexpected common name %s", cn)
	}

	write("second.test")
	if err := ctx.ReloadFiles(certFile, keyFile); err != nil {
		t.Fatal(err)
	}
	if cn := ctx.Certificate().Leaf.Subject.CommonName; cn != "second.test" {
		t.Fatalf("unexpected common name %s", cn)
	}

	var secErr *SecurityError
	if err := ctx.Reload([]byte("garbage"), []byte("garbage")); !errors.As(err, &secErr) {
		t.Fatalf("garbage resulted in %v", err)
	}
	if cn := ctx.Certificate().Leaf.Subject.CommonName; cn != "second.test" {
		t.Fatal("failed reload replaced the certificate")
	}
}

func TestContextTable(t *testing.T) {
	a, b, c := &SecureContext{}, &SecureContext{}, &SecureContext{}

	var table contextTable
	for _, entry := range []struct {
		pattern string
		ctx     *SecureContext
	}{
		{"*.example.com", a},
		{"example.com", b},
		{"[literal].test", c},
	} {
		if err := table.add(entry.pattern, entry.ctx); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		serverName string
		expected   *SecureContext
	}{
		{"www.example.com", a},
		{"a.b.example.com", nil},
		{"example.com", b},
		{"wwwexample.com", nil},
		{"[literal].test", c},
		{"l.test", nil},
	}

	for _, test := range tests {
		if ctx := table.match(test.serverName); ctx != test.expected {
			t.Fatalf("%s matched the wrong context", test.serverName)
		}
	}

	if err := table.add("", a); err == nil {
		t.Fatal("empty pattern was accepted")
	}
	if err := table.add("x", nil); err == nil {
		t.Fatal("nil context was accepted")
	}
}
