// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/quicl-go/internal/selfsigned"
	"github.com/dtn7/quicl-go/pkg/quicl"
)

// A server granting no bidirectional streams never sees one, unidirectional streams still work.
func TestEngineNoBidiStreams(t *testing.T) {
	server := newTestPeer(t)

	certPEM, keyPEM, err := selfsigned.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}
	serverCtx, err := quicl.NewSecureContext(quicl.SecureOptions{CertPEM: certPEM, KeyPEM: keyPEM})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mutex     sync.Mutex
		bidi, uni int
		maxBidi   uint64
		maxUni    uint64
		uniEnded  = make(chan struct{})
		listening = make(chan struct{})
	)
	server.endpoint.On(quicl.EventSession, func(ev quicl.Event) {
		ss := ev.Message.(*quicl.ServerSession)
		ss.On(quicl.EventSecure, func(quicl.Event) {
			b, u := ss.MaxStreams()

			mutex.Lock()
			defer mutex.Unlock()
			maxBidi, maxUni = b, u
		})
		ss.On(quicl.EventStream, func(ev quicl.Event) {
			st := ev.Message.(*quicl.Stream)

			mutex.Lock()
			defer mutex.Unlock()
			if !st.Unidirectional() {
				bidi++
				return
			}
			uni++
			st.Once(quicl.EventEnd, func(quicl.Event) { close(uniEnded) })
		})
	})
	server.endpoint.Once(quicl.EventListening, func(quicl.Event) { close(listening) })

	if err := server.endpoint.Listen(&quicl.ServerConfig{
		ALPN:    "limits",
		Context: serverCtx,
		Transport: quicl.TransportParams{
			MaxStreamsBidi: quicl.Param(0),
			MaxStreamsUni:  quicl.Param(3),
		},
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-listening:
	case <-time.After(testTimeout):
		t.Fatal("endpoint did not start listening")
	}
	port := server.endpoint.Address().(*net.UDPAddr).Port

	client := newTestPeer(t)
	clientCtx, err := quicl.NewSecureContext(quicl.SecureOptions{CAPEM: certPEM})
	if err != nil {
		t.Fatal(err)
	}
	cs, err := client.endpoint.Connect(&quicl.ClientConfig{
		Address:    "127.0.0.1",
		Port:       port,
		ServerName: "localhost",
		ALPN:       "limits",
		Context:    clientCtx,
	})
	if err != nil {
		t.Fatal(err)
	}

	secure := make(chan struct{})
	cs.Once(quicl.EventSecure, func(quicl.Event) { close(secure) })
	select {
	case <-secure:
	case <-time.After(testTimeout):
		t.Fatal("handshake timed out")
	}

	var resErr *quicl.ResourceError
	if _, err := cs.OpenStream(false); !errors.As(err, &resErr) || !errors.Is(err, quicl.ErrStreamOpenFailed) {
		t.Fatalf("opening a bidirectional stream resulted in %v", err)
	}

	st, err := cs.OpenStream(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Write([]byte("one way")); err != nil {
		t.Fatal(err)
	}
	if err := st.End(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-uniEnded:
	case <-time.After(testTimeout):
		t.Fatal("unidirectional stream did not arrive")
	}

	// Late bidirectional streams would have been reported by now.
	time.Sleep(100 * time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()
	if bidi != 0 || uni != 1 {
		t.Fatalf("server saw %d bidirectional and %d unidirectional streams", bidi, uni)
	}
	if maxBidi != 0 || maxUni != 3 {
		t.Fatalf("server reports stream limits %d/%d", maxBidi, maxUni)
	}
}
