// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ticketstore

import (
	"net"
	"testing"
	"time"

	"github.com/dtn7/quicl-go/internal/selfsigned"
	"github.com/dtn7/quicl-go/pkg/quicl"
	"github.com/dtn7/quicl-go/pkg/quicl/engine/quicgo"
)

func newEndpoint(t *testing.T, loop *quicl.Loop) *quicl.Endpoint {
	t.Helper()

	ep, err := quicl.NewEndpoint(loop, quicgo.New(), quicl.EndpointConfig{Address: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		done := make(chan struct{})
		if ep.Close(func() { close(done) }) == nil {
			select {
			case <-done:
			case <-time.After(10 * time.Second):
			}
		}
	})
	return ep
}

func TestStoreAttach(t *testing.T) {
	loop := quicl.NewLoop()
	loop.Start()
	t.Cleanup(func() { _ = loop.Close() })

	certPEM, keyPEM, err := selfsigned.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}

	server := newEndpoint(t, loop)
	listening := make(chan struct{})
	server.Once(quicl.EventListening, func(quicl.Event) { close(listening) })
	if err := server.Listen(&quicl.ServerConfig{
		ALPN:   "tickets",
		Secure: quicl.SecureOptions{CertPEM: certPEM, KeyPEM: keyPEM},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-listening:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start listening")
	}

	store := openStore(t)
	client := newEndpoint(t, loop)
	cs, err := client.Connect(&quicl.ClientConfig{
		Address:    "127.0.0.1",
		Port:       server.Address().(*net.UDPAddr).Port,
		ServerName: "localhost",
		ALPN:       "tickets",
		Secure:     quicl.SecureOptions{CAPEM: certPEM},
	})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan struct{}, 1)
	store.Attach(cs)
	cs.On(quicl.EventSessionTicket, func(quicl.Event) {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	select {
	case <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("no session ticket was received")
	}

	// Attach's listener was registered first and has run.
	ticket, err := store.Get("localhost")
	if err != nil {
		t.Fatal(err)
	}
	if len(ticket.Ticket) == 0 {
		t.Fatalf("empty ticket stored: %v", ticket)
	}

	cfg := &quicl.ClientConfig{Address: "127.0.0.1", ServerName: "localhost"}
	if !store.Hint(cfg) || len(cfg.SessionTicket) == 0 {
		t.Fatal("stored ticket was not hinted")
	}
}
