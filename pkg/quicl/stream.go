// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// StreamID is a QUIC stream id. Bit 0 tells the initiator, bit 1 the directionality.
type StreamID uint64

func (id StreamID) ServerInitiated() bool {
	return id&0x1 != 0
}

func (id StreamID) Unidirectional() bool {
	return id&0x2 != 0
}

// ResetInfo is the content of a RESET_STREAM frame received from the peer.
type ResetInfo struct {
	Code      ErrorCode
	FinalSize uint64
}

// Stream is a byte channel within a Session.
type Stream struct {
	emitter

	loop    *Loop
	session *Session
	id      StreamID
	handle  handleRef[StreamHandle]

	readable  bool
	writable  bool
	closed    bool
	aborted   bool
	destroyed bool

	ending        bool
	finished      bool
	pendingWrites int

	reset *ResetInfo

	stats       StreamStats
	statsFrozen bool
}

func newStream(s *Session, h StreamHandle) *Stream {
	st := &Stream{
		loop:     s.loop,
		session:  s,
		id:       h.ID(),
		readable: true,
		writable: true,
	}
	st.handle.set(h)
	st.stats.Created = time.Now()

	if st.id.Unidirectional() {
		local := st.id.ServerInitiated() == (s.role == RoleServer)
		if local {
			st.readable = false
		} else {
			st.writable = false
			st.finished = true
		}
	}

	return st
}

func (st *Stream) String() string {
	return fmt.Sprintf("Stream(%d)", uint64(st.id))
}

func (st *Stream) ID() StreamID {
	return st.id
}

func (st *Stream) Session() *Session {
	return st.session
}

// Write queues p on the writable side.
func (st *Stream) Write(p []byte) (int, error) {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	switch {
	case st.destroyed:
		return 0, stateError("write", "stream", ErrDestroyed)
	case !st.writable:
		return 0, stateError("write", "stream", ErrNotWritable)
	}

	h, _ := st.handle.get()
	buf := append([]byte(nil), p...)
	if err := h.Write(buf); err != nil {
		return 0, &ResourceError{Op: "write", Err: err}
	}

	st.pendingWrites++
	return len(p), nil
}

// End finishes the writable side once all queued data was written.
func (st *Stream) End() error {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	if st.destroyed {
		return stateError("end", "stream", ErrDestroyed)
	}
	if !st.writable {
		return nil
	}

	st.writable = false
	st.ending = true
	st.maybeFinish()
	return nil
}

func (st *Stream) maybeFinish() {
	if !st.ending || st.finished || st.pendingWrites > 0 {
		return
	}
	st.finished = true

	h, ok := st.handle.get()
	if !ok {
		return
	}
	if err := h.Shutdown(); err != nil {
		st.destroy(&ResourceError{Op: "shutdown", Err: err})
	}
}

func (st *Stream) onWritten(err error) {
	st.pendingWrites--
	if st.pendingWrites < 0 {
		st.pendingWrites = 0
	}

	if err != nil {
		st.destroy(&ResourceError{Op: "write", Err: err})
		return
	}
	st.maybeFinish()
}

// Close aborts both sides of the Stream with an application error code.
func (st *Stream) Close(code uint64) error {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	if st.destroyed {
		return stateError("close", "stream", ErrDestroyed)
	}

	st.close(ApplicationError(code))
	return nil
}

func (st *Stream) close(code ErrorCode) {
	if st.destroyed || st.closed {
		return
	}
	st.closed = true
	st.aborted = st.readable || st.writable

	if h, ok := st.handle.get(); ok {
		h.ShutdownStream(code)
	}

	st.readable = false
	if st.writable {
		st.writable = false
		st.finished = true
	}

	if st.aborted {
		st.loop.emit(&st.emitter, Event{Sender: st, Type: EventAbort, Message: code})
	}
}

// abandon is close without any Engine operation, for Sessions ending silently.
func (st *Stream) abandon(code ErrorCode) {
	if st.destroyed || st.closed {
		return
	}
	st.closed = true
	st.aborted = st.readable || st.writable
	st.readable = false
	st.writable = false
	st.finished = true

	if st.aborted {
		st.loop.emit(&st.emitter, Event{Sender: st, Type: EventAbort, Message: code})
	}
}

func (st *Stream) onData(p []byte) {
	if !st.readable {
		return
	}
	st.loop.emit(&st.emitter, Event{Sender: st, Type: EventData, Message: p})
}

func (st *Stream) onEnd() {
	if !st.readable {
		return
	}
	st.readable = false
	st.loop.emit(&st.emitter, Event{Sender: st, Type: EventEnd})
}

func (st *Stream) onReset(code ErrorCode, finalSize uint64) {
	st.reset = &ResetInfo{Code: code, FinalSize: finalSize}

	log.WithFields(log.Fields{
		"stream":     st,
		"code":       code,
		"final size": finalSize,
	}).Debug("Stream was reset by peer")

	st.onEnd()
}

// Destroy the Stream immediately.
func (st *Stream) Destroy(err error) {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	st.destroy(err)
}

func (st *Stream) destroy(err error) {
	if st.destroyed {
		return
	}
	st.destroyed = true
	st.readable = false
	st.writable = false

	if h, ok := st.handle.release(); ok {
		st.stats = h.Stats()
		h.Destroy()
	}
	st.statsFrozen = true

	if err != nil {
		st.loop.emit(&st.emitter, Event{Sender: st, Type: EventError, Message: err})
	}
	st.loop.emit(&st.emitter, Event{Sender: st, Type: EventClose})

	st.session.removeStream(st)
}

func (st *Stream) ServerInitiated() bool { return st.id.ServerInitiated() }
func (st *Stream) ClientInitiated() bool { return !st.id.ServerInitiated() }
func (st *Stream) Unidirectional() bool  { return st.id.Unidirectional() }
func (st *Stream) Bidirectional() bool   { return !st.id.Unidirectional() }

func (st *Stream) Readable() bool {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	return st.readable
}

func (st *Stream) Writable() bool {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	return st.writable
}

func (st *Stream) Closed() bool {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	return st.closed
}

func (st *Stream) Aborted() bool {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	return st.aborted
}

func (st *Stream) Destroyed() bool {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	return st.destroyed
}

// ResetReceived returns the peer's RESET_STREAM, if any.
func (st *Stream) ResetReceived() (ResetInfo, bool) {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	if st.reset == nil {
		return ResetInfo{}, false
	}
	return *st.reset, true
}

// Stats returns the Engine's counters. After destruction, the final counters are returned.
func (st *Stream) Stats() StreamStats {
	st.loop.state.Lock()
	defer st.loop.state.Unlock()

	return st.currentStats()
}

func (st *Stream) currentStats() StreamStats {
	if !st.statsFrozen {
		if h, ok := st.handle.get(); ok {
			stats := h.Stats()
			if stats.Created.IsZero() {
				stats.Created = st.stats.Created
			}
			return stats
		}
	}
	return st.stats
}
