// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package monitor exposes quicl Endpoints and their Sessions over HTTP. Snapshots are
// served as JSON, every Loop event is streamed through a WebSocket on /events.
package monitor

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

// Monitor is a http.Handler for the inspection of registered Endpoints.
type Monitor struct {
	router   *mux.Router
	upgrader websocket.Upgrader

	mutex     sync.Mutex
	endpoints map[uint64]*quicl.Endpoint
	clients   map[*feedClient]struct{}
	closed    bool
}

// New creates a Monitor which streams all events of the Loop.
func New(loop *quicl.Loop) *Monitor {
	m := &Monitor{
		router:    mux.NewRouter(),
		endpoints: make(map[uint64]*quicl.Endpoint),
		clients:   make(map[*feedClient]struct{}),
	}

	m.router.HandleFunc("/endpoints", m.handleEndpoints).Methods(http.MethodGet)
	m.router.HandleFunc("/endpoints/{id:[0-9]+}", m.handleEndpoint).Methods(http.MethodGet)
	m.router.HandleFunc("/endpoints/{id:[0-9]+}/sessions", m.handleSessions).Methods(http.MethodGet)
	m.router.HandleFunc("/events", m.handleEvents).Methods(http.MethodGet)

	loop.Tap(m.publish)

	return m
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /monitor.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// Register an Endpoint. It is removed after its close event.
func (m *Monitor) Register(ep *quicl.Endpoint) {
	m.mutex.Lock()
	m.endpoints[ep.ID()] = ep
	m.mutex.Unlock()

	ep.Once(quicl.EventClose, func(quicl.Event) {
		m.mutex.Lock()
		defer m.mutex.Unlock()

		delete(m.endpoints, ep.ID())
	})

	log.WithField("endpoint", ep).Debug("Monitor registered Endpoint")
}

// Close disconnects all event feeds.
func (m *Monitor) Close() {
	m.mutex.Lock()
	clients := m.clients
	m.clients = make(map[*feedClient]struct{})
	m.closed = true
	m.mutex.Unlock()

	for client := range clients {
		client.shutdown()
	}
}

func (m *Monitor) endpoint(r *http.Request) (*quicl.Endpoint, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	ep, ok := m.endpoints[id]
	return ep, ok
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Monitor failed to write response")
	}
}

// handleEndpoints processes /endpoints GET requests.
func (m *Monitor) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	m.mutex.Lock()
	eps := make([]*quicl.Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	m.mutex.Unlock()

	infos := make([]quicl.EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		infos = append(infos, ep.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	writeJSON(w, infos)
}

// handleEndpoint processes /endpoints/{id} GET requests.
func (m *Monitor) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := m.endpoint(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, ep.Info())
}

// handleSessions processes /endpoints/{id}/sessions GET requests.
func (m *Monitor) handleSessions(w http.ResponseWriter, r *http.Request) {
	ep, ok := m.endpoint(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	sessions := ep.Sessions()
	infos := make([]quicl.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	writeJSON(w, infos)
}

// handleEvents upgrades /events requests to a WebSocket event feed.
func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := newFeedClient(conn)

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		client.shutdown()
		return
	}
	m.clients[client] = struct{}{}
	m.mutex.Unlock()

	client.send(feedMessage{Sender: "monitor", Type: "hello"})
	client.start()

	m.mutex.Lock()
	delete(m.clients, client)
	m.mutex.Unlock()
}

// publish is the Loop's tap.
func (m *Monitor) publish(ev quicl.Event) {
	m.mutex.Lock()
	if len(m.clients) == 0 {
		m.mutex.Unlock()
		return
	}
	clients := make([]*feedClient, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
	}
	m.mutex.Unlock()

	msg := newFeedMessage(ev)
	for _, client := range clients {
		client.send(msg)
	}
}
