// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"errors"
	"fmt"
)

var (
	ErrDestroyed   = errors.New("destroyed")
	ErrClosing     = errors.New("closing")
	ErrListening   = errors.New("already listening")
	ErrNotSecure   = errors.New("handshake not complete")
	ErrNotReady    = errors.New("not ready")
	ErrNotWritable = errors.New("not writable")
	ErrWrongRole   = errors.New("only available to the other role")

	ErrStreamOpenFailed    = errors.New("stream could not be opened")
	ErrSetSocketFailed     = errors.New("session could not be moved to the endpoint")
	ErrClientSessionFailed = errors.New("client session failed")
	ErrVersionNegotiation  = errors.New("version negotiation failed")
	ErrBind                = errors.New("bind failed")

	// ErrInvalidRemoteTransportParams and ErrInvalidSessionTicket are returned by
	// SocketHandle.Connect if a resumption hint was rejected.
	ErrInvalidRemoteTransportParams = errors.New("invalid remote transport params")
	ErrInvalidSessionTicket         = errors.New("invalid TLS session ticket")

	ErrListen              = errors.New("listen failed")

	ErrKeySize        = errors.New("ephemeral key too small")
	ErrInvalidContext = errors.New("invalid secure context")
	ErrInvalidOCSP    = errors.New("invalid OCSP response")
	ErrVerify         = errors.New("peer verification failed")
)

// StateError is returned by an operation invalid in its object's current state.
type StateError struct {
	Op     string
	Object string
	Err    error
}

func (err *StateError) Error() string {
	return fmt.Sprintf("quicl: cannot %s, %s is %v", err.Op, err.Object, err.Err)
}

func (err *StateError) Unwrap() error {
	return err.Err
}

// ArgumentError reports an invalid argument or option. It is returned before any state changed.
type ArgumentError struct {
	Name   string
	Value  interface{}
	Reason string
}

func (err *ArgumentError) Error() string {
	return fmt.Sprintf("quicl: invalid %s %v: %s", err.Name, err.Value, err.Reason)
}

// ResourceError reports a failed address lookup, bind, listen or stream creation.
type ResourceError struct {
	Op   string
	Host string
	Port int
	Err  error
}

func (err *ResourceError) Error() string {
	if err.Host == "" {
		return fmt.Sprintf("quicl: %s failed: %v", err.Op, err.Err)
	}
	return fmt.Sprintf("quicl: %s %s:%d failed: %v", err.Op, err.Host, err.Port, err.Err)
}

func (err *ResourceError) Unwrap() error {
	return err.Err
}

// SecurityError reports a failed verification or an unacceptable handshake parameter.
// Code is sent to the peer if the SecurityError destroys a Session.
type SecurityError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (err *SecurityError) Error() string {
	return "quicl: " + err.Msg
}

func (err *SecurityError) Unwrap() error {
	return err.Err
}

// ErrorFamily tells how a QUIC error code is to be interpreted.
type ErrorFamily int

const (
	FamilySession ErrorFamily = iota
	FamilyCrypto
	FamilyApplication
)

func (ef ErrorFamily) String() string {
	switch ef {
	case FamilySession:
		return "session"
	case FamilyCrypto:
		return "crypto"
	case FamilyApplication:
		return "application"
	default:
		return fmt.Sprintf("unknown(%d)", int(ef))
	}
}

// ErrorCode is a QUIC error code together with its family.
type ErrorCode struct {
	Family ErrorFamily
	Code   uint64
}

// NoError is the default close code of a Session.
var NoError = ErrorCode{Family: FamilyApplication}

// ApplicationError creates an ErrorCode of the application family.
func ApplicationError(code uint64) ErrorCode {
	return ErrorCode{Family: FamilyApplication, Code: code}
}

// IsError reports if ec describes an error rather than a regular close.
func (ec ErrorCode) IsError() bool {
	return ec.Code != 0
}

func (ec ErrorCode) String() string {
	return fmt.Sprintf("%v/%d", ec.Family, ec.Code)
}

// ProtocolError is raised by the Engine, e.g., if the peer closed the session with an error.
type ProtocolError struct {
	Code   ErrorCode
	Msg    string
	Detail interface{}
	Err    error
}

func (err *ProtocolError) Error() string {
	return fmt.Sprintf("quicl: %s (%v)", err.Msg, err.Code)
}

func (err *ProtocolError) Unwrap() error {
	return err.Err
}

func stateError(op, object string, err error) *StateError {
	return &StateError{Op: op, Object: object, Err: err}
}
