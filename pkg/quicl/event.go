// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"fmt"
	"net"
	"sync"
)

// EventType names the kind of an Event.
type EventType int

const (
	// EventReady is emitted by an Endpoint once bound and by a ClientSession once it may be used.
	EventReady EventType = iota

	// EventListening is emitted by an Endpoint after Listen succeeded.
	EventListening

	// EventSession is emitted by a listening Endpoint for each new ServerSession.
	// The Message is a *ServerSession.
	EventSession

	// EventStream is emitted by a Session for each peer-initiated Stream. The Message is a *Stream.
	EventStream

	// EventSecure is emitted by a Session after its handshake completed. The Message is a SecureInfo.
	EventSecure

	// EventClientHello is emitted by a ServerSession. The Message is a *ClientHelloRequest.
	EventClientHello

	// EventOCSPRequest is emitted by a ServerSession. The Message is an *OCSPRequest.
	EventOCSPRequest

	// EventOCSPResponse is emitted by a ClientSession. The Message is a []byte.
	EventOCSPResponse

	// EventPathValidation is emitted by a Session. The Message is a PathValidation.
	EventPathValidation

	// EventSessionTicket is emitted by a ClientSession. The Message is a SessionTicket.
	EventSessionTicket

	// EventKeylog is emitted by a Session for each TLS key log line. The Message is a []byte.
	EventKeylog

	// EventAbort is emitted by a Stream closed before both of its sides finished.
	// The Message is an ErrorCode.
	EventAbort

	// EventError precedes EventClose if an object was destroyed due to an error.
	// The Message is an error.
	EventError

	// EventClose is the last event of an Endpoint, a Session or a Stream.
	EventClose

	// EventBusy is emitted by an Endpoint whose busy flag changed. The Message is a bool.
	EventBusy

	// EventData is emitted by a Stream for received data. The Message is a []byte.
	EventData

	// EventEnd is emitted by a Stream whose readable side finished.
	EventEnd
)

func (et EventType) String() string {
	switch et {
	case EventReady:
		return "ready"
	case EventListening:
		return "listening"
	case EventSession:
		return "session"
	case EventStream:
		return "stream"
	case EventSecure:
		return "secure"
	case EventClientHello:
		return "clientHello"
	case EventOCSPRequest:
		return "OCSPRequest"
	case EventOCSPResponse:
		return "OCSPResponse"
	case EventPathValidation:
		return "pathValidation"
	case EventSessionTicket:
		return "sessionTicket"
	case EventKeylog:
		return "keylog"
	case EventAbort:
		return "abort"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	case EventBusy:
		return "busy"
	case EventData:
		return "data"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("unknown(%d)", int(et))
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, error) {
	for et := EventReady; et <= EventEnd; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return 0, &ArgumentError{Name: "event", Value: s, Reason: "unknown event type"}
}

// Event is delivered to Handlers. Sender is the *Endpoint, *Session or *Stream which emitted it.
type Event struct {
	Sender  fmt.Stringer
	Type    EventType
	Message interface{}
}

func (e Event) String() string {
	if e.Message == nil {
		return fmt.Sprintf("%v: %v", e.Sender, e.Type)
	}
	return fmt.Sprintf("%v: %v, %v", e.Sender, e.Type, e.Message)
}

// Handler receives Events.
type Handler func(Event)

// SecureInfo describes a completed handshake.
type SecureInfo struct {
	ServerName string
	ALPN       string
	Cipher     CipherInfo
}

// CipherInfo names the negotiated cipher suite.
type CipherInfo struct {
	Name    string
	Version string
}

// PathResult is the outcome of a path validation.
type PathResult int

const (
	PathSuccess PathResult = iota
	PathFailure
)

func (pr PathResult) String() string {
	if pr == PathSuccess {
		return "success"
	}
	return "failure"
}

// PathValidation reports the result of validating a network path.
type PathValidation struct {
	Result PathResult
	Local  net.Addr
	Remote net.Addr
}

// SessionTicket allows a later ClientSession to resume its session.
type SessionTicket struct {
	ID              []byte
	Ticket          []byte
	TransportParams []byte
}

// ClientHelloRequest is the Message of EventClientHello. The handshake is suspended until Done is called.
type ClientHelloRequest struct {
	ALPN       string
	ServerName string
	Ciphers    []string

	done func(error, *SecureContext)
}

// Done resumes the handshake. A non-nil err destroys the ServerSession. A non-nil ctx
// replaces the ServerSession's SecureContext.
func (req *ClientHelloRequest) Done(err error, ctx *SecureContext) {
	req.done(err, ctx)
}

// OCSPRequest is the Message of EventOCSPRequest. The handshake is suspended until Done is called.
type OCSPRequest struct {
	ServerName string
	Context    *SecureContext

	done func(error, *SecureContext, []byte)
}

// Done resumes the handshake. A non-nil err destroys the ServerSession. Otherwise ctx,
// or the proposed Context if ctx is nil, is used together with the optional OCSP response.
func (req *OCSPRequest) Done(err error, ctx *SecureContext, response []byte) {
	req.done(err, ctx, response)
}

type listener struct {
	handler Handler
	once    bool
}

// emitter is the listener registry embedded in Endpoint, Session and Stream.
type emitter struct {
	listeners map[EventType][]*listener
	mutex     sync.Mutex
}

// On registers a Handler for an EventType.
func (e *emitter) On(et EventType, h Handler) {
	e.add(et, &listener{handler: h})
}

// Once registers a Handler which is removed after its first invocation.
func (e *emitter) Once(et EventType, h Handler) {
	e.add(et, &listener{handler: h, once: true})
}

// ListenerCount returns the number of Handlers registered for an EventType.
func (e *emitter) ListenerCount(et EventType) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return len(e.listeners[et])
}

func (e *emitter) add(et EventType, l *listener) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[EventType][]*listener)
	}
	e.listeners[et] = append(e.listeners[et], l)
}

// fire calls all listeners for ev.Type and reports if there were any.
func (e *emitter) fire(ev Event) bool {
	e.mutex.Lock()
	ls := e.listeners[ev.Type]
	if len(ls) == 0 {
		e.mutex.Unlock()
		return false
	}

	keep := ls[:0:0]
	for _, l := range ls {
		if !l.once {
			keep = append(keep, l)
		}
	}
	e.listeners[ev.Type] = keep
	e.mutex.Unlock()

	for _, l := range ls {
		l.handler(ev)
	}
	return true
}
