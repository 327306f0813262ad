// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dtn7/quicl-go/pkg/quicl"
	"github.com/dtn7/quicl-go/pkg/quicl/engine/quicgo"
)

func setupMonitor(t *testing.T) (*quicl.Loop, *Monitor, *httptest.Server) {
	t.Helper()

	loop := quicl.NewLoop()
	loop.Start()

	m := New(loop)
	srv := httptest.NewServer(m)

	t.Cleanup(func() {
		srv.Close()
		m.Close()
		_ = loop.Close()
	})
	return loop, m, srv
}

func newEndpoint(t *testing.T, loop *quicl.Loop) *quicl.Endpoint {
	t.Helper()

	ep, err := quicl.NewEndpoint(loop, quicgo.New(), quicl.EndpointConfig{Address: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestMonitorEndpoints(t *testing.T) {
	loop, m, srv := setupMonitor(t)

	ep1, ep2 := newEndpoint(t, loop), newEndpoint(t, loop)
	defer ep1.Destroy(nil)
	defer ep2.Destroy(nil)
	m.Register(ep1)
	m.Register(ep2)

	var infos []quicl.EndpointInfo
	if code := getJSON(t, srv.URL+"/endpoints", &infos); code != http.StatusOK {
		t.Fatalf("GET /endpoints: %d", code)
	}
	if len(infos) != 2 || infos[0].ID != ep1.ID() || infos[1].ID != ep2.ID() {
		t.Fatalf("unexpected endpoints %+v", infos)
	}

	var info quicl.EndpointInfo
	if code := getJSON(t, fmt.Sprintf("%s/endpoints/%d", srv.URL, ep2.ID()), &info); code != http.StatusOK {
		t.Fatalf("GET /endpoints/%d: %d", ep2.ID(), code)
	}
	if info.ID != ep2.ID() || info.Listening {
		t.Fatalf("unexpected endpoint %+v", info)
	}

	var sessions []quicl.SessionInfo
	if code := getJSON(t, fmt.Sprintf("%s/endpoints/%d/sessions", srv.URL, ep1.ID()), &sessions); code != http.StatusOK {
		t.Fatalf("GET sessions: %d", code)
	}
	if len(sessions) != 0 {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	if code := getJSON(t, srv.URL+"/endpoints/4242", &info); code != http.StatusNotFound {
		t.Fatalf("unknown endpoint returned %d", code)
	}
	if code := getJSON(t, srv.URL+"/endpoints/nope", &info); code != http.StatusNotFound {
		t.Fatalf("invalid endpoint id returned %d", code)
	}
}

func readFeed(t *testing.T, conn *websocket.Conn) feedMessage {
	t.Helper()

	var msg feedMessage
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestMonitorEvents(t *testing.T) {
	loop, m, srv := setupMonitor(t)

	ep := newEndpoint(t, loop)
	m.Register(ep)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if msg := readFeed(t, conn); msg.Type != "hello" {
		t.Fatalf("expected hello, got %+v", msg)
	}

	ep.Destroy(nil)

	for {
		msg := readFeed(t, conn)
		if msg.Type == quicl.EventClose.String() {
			if msg.Sender != ep.String() {
				t.Fatalf("close event of %q, expected %q", msg.Sender, ep.String())
			}
			break
		}
	}

	var infos []quicl.EndpointInfo
	if code := getJSON(t, srv.URL+"/endpoints", &infos); code != http.StatusOK {
		t.Fatalf("GET /endpoints: %d", code)
	}
	if len(infos) != 0 {
		t.Fatalf("closed endpoint is still listed: %+v", infos)
	}
}

func TestFeedMessage(t *testing.T) {
	tests := []struct {
		ev       quicl.Event
		expected feedMessage
	}{
		{quicl.Event{Type: quicl.EventEnd}, feedMessage{Type: "end"}},
		{quicl.Event{Type: quicl.EventData, Message: []byte("hello")}, feedMessage{Type: "data", Message: "5 bytes"}},
		{quicl.Event{Type: quicl.EventBusy, Message: true}, feedMessage{Type: "busy", Message: "true"}},
		{quicl.Event{Type: quicl.EventError, Message: fmt.Errorf("boom")}, feedMessage{Type: "error", Message: "boom"}},
	}

	for _, test := range tests {
		if msg := newFeedMessage(test.ev); msg != test.expected {
			t.Fatalf("newFeedMessage(%v) = %+v, expected %+v", test.ev, msg, test.expected)
		}
	}
}
