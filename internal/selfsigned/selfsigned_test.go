// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package selfsigned

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
)

func TestGenerate(t *testing.T) {
	certPEM, keyPEM, err := Generate("localhost", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Fatalf("localhost not covered: %v", err)
	}
	if err := leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatalf("127.0.0.1 not covered: %v", err)
	}
	if leaf.Subject.CommonName != "localhost" {
		t.Fatalf("common name is %s", leaf.Subject.CommonName)
	}
}
