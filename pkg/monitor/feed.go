// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

const (
	feedBacklog  = 256
	writeTimeout = 5 * time.Second
)

// feedMessage is the JSON representation of a quicl.Event.
type feedMessage struct {
	Sender  string `json:"sender"`
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func newFeedMessage(ev quicl.Event) feedMessage {
	msg := feedMessage{Type: ev.Type.String()}
	if ev.Sender != nil {
		msg.Sender = ev.Sender.String()
	}

	switch m := ev.Message.(type) {
	case nil:
	case []byte:
		msg.Message = fmt.Sprintf("%d bytes", len(m))
	case error:
		msg.Message = m.Error()
	case fmt.Stringer:
		msg.Message = m.String()
	default:
		msg.Message = fmt.Sprintf("%v", m)
	}
	return msg
}

// feedClient is a connected WebSocket. Messages are dropped if the client cannot keep up.
type feedClient struct {
	conn   *websocket.Conn
	queue  chan feedMessage
	done   chan struct{}
	logger *log.Entry

	shutdownOnce sync.Once
}

func newFeedClient(conn *websocket.Conn) *feedClient {
	return &feedClient{
		conn:   conn,
		queue:  make(chan feedMessage, feedBacklog),
		done:   make(chan struct{}),
		logger: log.WithField("monitor client", conn.RemoteAddr().String()),
	}
}

func (client *feedClient) send(msg feedMessage) {
	select {
	case client.queue <- msg:
	case <-client.done:
	default:
		client.logger.WithField("event", msg.Type).Debug("Monitor client is too slow, dropping event")
	}
}

// start blocks until the client disconnects.
func (client *feedClient) start() {
	go client.handleWriter()
	client.handleReader()
}

func (client *feedClient) shutdown() {
	client.shutdownOnce.Do(func() {
		client.logger.Debug("Monitor client reached shutdown")

		close(client.done)
		_ = client.conn.Close()
	})
}

func (client *feedClient) handleWriter() {
	defer client.shutdown()

	for {
		select {
		case <-client.done:
			return

		case msg := <-client.queue:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteJSON(msg); err != nil {
				client.logger.WithError(err).Debug("Writing to monitor client errored")
				return
			}
		}
	}
}

// handleReader discards incoming messages and detects disconnects.
func (client *feedClient) handleReader() {
	defer client.shutdown()

	for {
		if _, _, err := client.conn.NextReader(); err != nil {
			return
		}
	}
}
