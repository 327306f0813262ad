// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

type nopSocketEvents struct{}

func (nopSocketEvents) OnReady()          {}
func (nopSocketEvents) OnError(error)     {}
func (nopSocketEvents) OnClose()          {}
func (nopSocketEvents) OnServerBusy(bool) {}

func (nopSocketEvents) OnSessionReady(quicl.SessionHandle) quicl.SessionEvents { return nil }

func boundSocket(t *testing.T) *socket {
	t.Helper()

	h, err := New().NewSocket(quicl.SocketOptions{}, nopSocketEvents{})
	if err != nil {
		t.Fatal(err)
	}
	s := h.(*socket)
	if err := s.Bind(quicl.IPv4, net.IPv4(127, 0, 0, 1), 0, 0); err != nil {
		t.Fatal(err)
	}
	return s
}

func closeSocket(t *testing.T, s *socket) {
	t.Helper()

	done := make(chan error, 1)
	s.Close(func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(testTimeout):
		t.Fatal("socket did not close")
	}
}

func (s *socket) isTransportClosed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.transportClosed
}

func TestSocketCloseWithoutMigratedSessions(t *testing.T) {
	s := boundSocket(t)
	closeSocket(t, s)

	if !s.isTransportClosed() {
		t.Fatal("transport survived closing its socket")
	}
}

func TestSocketKeepsTransportForMigratedSessions(t *testing.T) {
	s := boundSocket(t)
	sess1 := newSession(s, false, s.LocalAddr(), quicl.DefaultSessionConfig(), nil)
	sess2 := newSession(s, false, s.LocalAddr(), quicl.DefaultSessionConfig(), nil)
	s.keep(sess1)
	s.keep(sess2)

	closeSocket(t, s)
	if s.isTransportClosed() {
		t.Fatal("transport was closed while migrated sessions use it")
	}

	s.release(sess1)
	s.release(sess1)
	time.Sleep(50 * time.Millisecond)
	if s.isTransportClosed() {
		t.Fatal("transport was closed before its last migrated session ended")
	}

	s.release(sess2)

	deadline := time.Now().Add(testTimeout)
	for !s.isTransportClosed() {
		if time.Now().After(deadline) {
			t.Fatal("transport was not closed after its last migrated session")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A migrated session keeps working after its previous Endpoint was closed.
func TestEngineMigrateAndCloseOldEndpoint(t *testing.T) {
	server := newTestPeer(t)
	port, certPEM := listenEcho(t, server)

	client := newTestPeer(t)
	target, err := quicl.NewEndpoint(client.loop, New(), quicl.EndpointConfig{Address: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		done := make(chan struct{})
		if err := target.Close(func() { close(done) }); err == nil {
			select {
			case <-done:
			case <-time.After(testTimeout):
			}
		}
	})

	clientCtx, err := quicl.NewSecureContext(quicl.SecureOptions{CAPEM: certPEM})
	if err != nil {
		t.Fatal(err)
	}

	cs, err := client.endpoint.Connect(&quicl.ClientConfig{
		Address:    "127.0.0.1",
		Port:       port,
		ServerName: "localhost",
		ALPN:       "echo",
		Context:    clientCtx,
	})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mutex    sync.Mutex
		received bytes.Buffer
		errs     = make(chan error, 4)
		secure   = make(chan struct{})
		closed   = make(chan struct{})
		ended    = make(chan struct{})
	)
	cs.On(quicl.EventError, func(ev quicl.Event) { errs <- ev.Message.(error) })
	cs.On(quicl.EventClose, func(quicl.Event) { close(closed) })
	cs.Once(quicl.EventSecure, func(quicl.Event) { close(secure) })

	select {
	case <-secure:
	case <-time.After(testTimeout):
		t.Fatal("handshake timed out")
	}

	migrated := make(chan error, 1)
	if err := cs.SetEndpoint(target, func(err error) { migrated <- err }); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-migrated:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(testTimeout):
		t.Fatal("migration timed out")
	}

	oldClosed := make(chan struct{})
	if err := client.endpoint.Close(func() { close(oldClosed) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-oldClosed:
	case <-time.After(testTimeout):
		t.Fatal("old endpoint did not close")
	}

	if cs.Destroyed() || cs.Endpoint() != target {
		t.Fatal("migrated session did not survive closing its old endpoint")
	}

	st, err := cs.OpenStream(false)
	if err != nil {
		t.Fatal(err)
	}
	st.On(quicl.EventData, func(ev quicl.Event) {
		mutex.Lock()
		defer mutex.Unlock()
		received.Write(ev.Message.([]byte))
	})
	st.On(quicl.EventEnd, func(quicl.Event) { close(ended) })

	if _, err := st.Write([]byte("still here")); err != nil {
		t.Fatal(err)
	}
	if err := st.End(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ended:
	case err := <-errs:
		t.Fatal(err)
	case <-closed:
		t.Fatal("migrated session was closed")
	case <-time.After(testTimeout):
		t.Fatal("echo after migration timed out")
	}

	mutex.Lock()
	defer mutex.Unlock()
	if s := received.String(); s != "still here" {
		t.Fatalf("echoed %q", s)
	}
}
