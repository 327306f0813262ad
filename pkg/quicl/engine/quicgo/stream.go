// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/quic-go/quic-go"

	"github.com/dtn7/quicl-go/pkg/quicl"
)

const readBufferSize = 32 * 1024

type sendSide interface {
	io.Writer
	Close() error
	CancelWrite(quic.StreamErrorCode)
}

type recvSide interface {
	io.Reader
	CancelRead(quic.StreamErrorCode)
}

// stream is the quicl.StreamHandle of a quic-go stream. Writes are queued and executed in
// order by a writer goroutine, reads are forwarded by a reader goroutine.
type stream struct {
	session *session
	id      quicl.StreamID
	recv    recvSide
	send    sendSide
	created time.Time

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	mutex     sync.Mutex
	writes    *queue.Queue
	fin       bool
	readDone  bool
	writeDone bool
	closed    bool
	destroyed bool
	code      quicl.ErrorCode

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newStream(sess *session, id quic.StreamID, recv recvSide, send sendSide) *stream {
	return &stream{
		session:   sess,
		id:        quicl.StreamID(id),
		recv:      recv,
		send:      send,
		created:   time.Now(),
		writes:    queue.New(),
		readDone:  recv == nil,
		writeDone: send == nil,
		code:      quicl.NoError,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (st *stream) run() {
	if st.recv != nil {
		go st.read()
	}
	if st.send != nil {
		go st.write()
	}
}

// stop ends the writer goroutine.
func (st *stream) stop() {
	st.stopOnce.Do(func() { close(st.done) })
}

func (st *stream) notify(f func(quicl.SessionEvents)) {
	st.mutex.Lock()
	destroyed := st.destroyed
	st.mutex.Unlock()

	if !destroyed {
		st.session.notify(f)
	}
}

func (st *stream) read() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := st.recv.Read(buf)
		if n > 0 {
			st.bytesReceived.Add(uint64(n))
			st.session.bytesReceived.Add(uint64(n))

			p := append([]byte(nil), buf[:n]...)
			st.notify(func(ev quicl.SessionEvents) { ev.OnStreamData(st.id, p) })
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			st.notify(func(ev quicl.SessionEvents) { ev.OnStreamEnd(st.id) })
		} else if code, ok := streamErrorCode(err); ok {
			st.setCode(code)
			finalSize := st.bytesReceived.Load()
			st.notify(func(ev quicl.SessionEvents) { ev.OnStreamReset(st.id, code, finalSize) })
		}

		st.sideDone(true)
		return
	}
}

func (st *stream) write() {
	for {
		select {
		case <-st.kick:
		case <-st.done:
			return
		}

		for {
			p, fin, ok := st.next()
			if !ok {
				break
			}

			if !fin {
				_, err := st.send.Write(p)
				if err != nil && st.cancelled() {
					return
				}
				if err == nil {
					st.bytesSent.Add(uint64(len(p)))
					st.session.bytesSent.Add(uint64(len(p)))
				} else if code, ok := streamErrorCode(err); ok {
					st.setCode(code)
				}

				st.notify(func(ev quicl.SessionEvents) { ev.OnStreamWritten(st.id, err) })
				if err != nil {
					st.sideDone(false)
					return
				}
				continue
			}

			if err := st.send.Close(); err != nil {
				st.notify(func(ev quicl.SessionEvents) { ev.OnStreamError(st.id, err) })
			}
			st.sideDone(false)
			return
		}
	}
}

// next pops the next queued write. fin is returned after the last write, if requested.
func (st *stream) next() (p []byte, fin, ok bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	switch {
	case st.writeDone:
		return nil, false, false
	case st.writes.Length() > 0:
		return st.writes.Remove().([]byte), false, true
	case st.fin:
		return nil, true, true
	default:
		return nil, false, false
	}
}

// cancelled reports if the writable side was aborted locally.
func (st *stream) cancelled() bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	return st.writeDone
}

func (st *stream) wake() {
	select {
	case st.kick <- struct{}{}:
	default:
	}
}

func (st *stream) setCode(code quicl.ErrorCode) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	st.code = code
}

// sideDone marks one side as finished and reports the stream as closed after both.
func (st *stream) sideDone(read bool) {
	st.mutex.Lock()
	if read {
		st.readDone = true
	} else {
		st.writeDone = true
	}
	closed := st.readDone && st.writeDone && !st.closed
	if closed {
		st.closed = true
	}
	code := st.code
	st.mutex.Unlock()

	if !closed {
		return
	}

	st.stop()
	st.notify(func(ev quicl.SessionEvents) { ev.OnStreamClose(st.id, code) })
	st.session.removeStream(st)
}

func (st *stream) ID() quicl.StreamID {
	return st.id
}

func (st *stream) Write(p []byte) error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.send == nil || st.writeDone || st.fin || st.destroyed {
		return errNotWritable
	}

	st.writes.Add(p)
	st.wake()
	return nil
}

func (st *stream) Shutdown() error {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.send == nil || st.writeDone || st.destroyed {
		return errNotWritable
	}

	st.fin = true
	st.wake()
	return nil
}

func (st *stream) ShutdownStream(code quicl.ErrorCode) {
	st.mutex.Lock()
	st.code = code
	cancelWrite := st.send != nil && !st.writeDone
	cancelRead := st.recv != nil && !st.readDone
	st.mutex.Unlock()

	if cancelWrite {
		st.sideDone(false)
		st.send.CancelWrite(quic.StreamErrorCode(code.Code))
	}
	if cancelRead {
		st.sideDone(true)
		st.recv.CancelRead(quic.StreamErrorCode(code.Code))
	}
}

func (st *stream) Destroy() {
	st.mutex.Lock()
	if st.destroyed {
		st.mutex.Unlock()
		return
	}
	st.destroyed = true
	cancelWrite := st.send != nil && !st.writeDone
	cancelRead := st.recv != nil && !st.readDone
	st.readDone, st.writeDone, st.closed = true, true, true
	code := st.code
	st.mutex.Unlock()

	if cancelWrite {
		st.send.CancelWrite(quic.StreamErrorCode(code.Code))
	}
	if cancelRead {
		st.recv.CancelRead(quic.StreamErrorCode(code.Code))
	}

	st.stop()
	st.session.removeStream(st)
}

func (st *stream) Stats() quicl.StreamStats {
	return quicl.StreamStats{
		Created:       st.created,
		BytesReceived: st.bytesReceived.Load(),
		BytesSent:     st.bytesSent.Load(),
	}
}
