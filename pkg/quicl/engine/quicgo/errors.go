// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

var (
	errServerBusy       = errors.New("quicgo: server is busy")
	errTooManySessions  = errors.New("quicgo: too many sessions for host")
	errHandshakeTimeout = errors.New("quicgo: handshake callback timed out")
	errSessionDestroyed = errors.New("quicgo: session was destroyed")
	errNotConnected     = errors.New("quicgo: session is not connected")
	errNotBound         = errors.New("quicgo: socket is not bound")
	errNotWritable      = errors.New("quicgo: stream is not writable")
)

// cryptoErrorBase is the first TRANSPORT_ERROR code of the CRYPTO_ERROR range.
const cryptoErrorBase = 0x100

// closeKind tells how a quic.Conn ended.
type closeKind int

const (
	// closeLocal: we sent the CONNECTION_CLOSE or destroyed the connection.
	closeLocal closeKind = iota
	// closeRemote: the peer sent a CONNECTION_CLOSE.
	closeRemote
	// closeSilent: the connection timed out without any close frame.
	closeSilent
	// closeReset: a stateless reset was received.
	closeReset
	// closeVersion: no common QUIC version was found.
	closeVersion
	// closeFailure: anything else.
	closeFailure
)

func (ck closeKind) String() string {
	switch ck {
	case closeLocal:
		return "local"
	case closeRemote:
		return "remote"
	case closeSilent:
		return "silent"
	case closeReset:
		return "stateless reset"
	case closeVersion:
		return "version negotiation"
	case closeFailure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(ck))
	}
}

// transportErrorCode maps a quic-go transport error code onto a quicl.ErrorCode.
func transportErrorCode(code quic.TransportErrorCode) quicl.ErrorCode {
	if c := uint64(code); c >= cryptoErrorBase && c < 2*cryptoErrorBase {
		return quicl.ErrorCode{Family: quicl.FamilyCrypto, Code: c}
	}
	return quicl.ErrorCode{Family: quicl.FamilySession, Code: uint64(code)}
}

// classify inspects the error which ended a quic.Conn.
func classify(err error) (closeKind, quicl.ErrorCode) {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		resetErr     *quic.StatelessResetError
		versionErr   *quic.VersionNegotiationError
	)

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, errSessionDestroyed):
		return closeLocal, quicl.NoError

	case errors.As(err, &appErr):
		code := quicl.ApplicationError(uint64(appErr.ErrorCode))
		if appErr.Remote {
			return closeRemote, code
		}
		return closeLocal, code

	case errors.As(err, &transportErr):
		code := transportErrorCode(transportErr.ErrorCode)
		if transportErr.Remote {
			return closeRemote, code
		}
		return closeSilent, code

	case errors.As(err, &idleErr):
		return closeSilent, quicl.NoError

	case errors.As(err, &resetErr):
		return closeReset, quicl.NoError

	case errors.As(err, &versionErr):
		return closeVersion, quicl.ErrorCode{Family: quicl.FamilySession}

	default:
		return closeFailure, quicl.ErrorCode{Family: quicl.FamilySession, Code: uint64(quic.InternalError)}
	}
}

// versionNegotiation translates a failed version negotiation.
func versionNegotiation(err error) (quicl.VersionNegotiation, bool) {
	var versionErr *quic.VersionNegotiationError
	if !errors.As(err, &versionErr) {
		return quicl.VersionNegotiation{}, false
	}

	vn := quicl.VersionNegotiation{}
	for _, v := range versionErr.Ours {
		vn.Requested = append(vn.Requested, uint32(v))
	}
	for _, v := range versionErr.Theirs {
		vn.Supported = append(vn.Supported, uint32(v))
	}
	if len(vn.Requested) > 0 {
		vn.Version = vn.Requested[0]
	}
	return vn, true
}

// streamErrorCode extracts the code of a RESET_STREAM or STOP_SENDING sent by the peer.
func streamErrorCode(err error) (quicl.ErrorCode, bool) {
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		return quicl.ApplicationError(uint64(streamErr.ErrorCode)), true
	}
	return quicl.ErrorCode{}, false
}
