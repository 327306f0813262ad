// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestStreamDirection(t *testing.T) {
	tests := []struct {
		role     Role
		id       StreamID
		readable bool
		writable bool
	}{
		{RoleClient, 0, true, true},
		{RoleClient, 1, true, true},
		{RoleClient, 2, false, true},
		{RoleClient, 3, true, false},
		{RoleServer, 2, true, false},
		{RoleServer, 3, false, true},
		{RoleServer, 7, false, true},
		{RoleServer, 6, true, false},
	}

	loop := NewLoop()
	ep, _ := newTestEndpoint(t, loop, &mockEngine{})

	for _, test := range tests {
		s := newSession(ep, test.role, nil)
		st := newStream(s, &mockStream{id: test.id})

		if st.readable != test.readable || st.writable != test.writable {
			t.Fatalf("%v stream %d: readable=%t, writable=%t", test.role, test.id, st.readable, st.writable)
		}
		if st.Unidirectional() == st.Bidirectional() || st.ServerInitiated() == st.ClientInitiated() {
			t.Fatalf("stream %d has contradicting accessors", test.id)
		}
	}
}

func TestStreamHalfOpen(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	cs, _ := connectedClient(t, loop, ep, ms)

	st, err := cs.OpenStream(true)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Unidirectional() || st.Readable() || !st.Writable() || !st.ClientInitiated() {
		t.Fatalf("unexpected half-open stream %v", st)
	}
}

func TestStreamOpenFailure(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	cs, mss := connectedClient(t, loop, ep, ms)
	mss.openErr = errors.New("stream limit")

	var resErr *ResourceError
	if _, err := cs.OpenStream(false); !errors.As(err, &resErr) || !errors.Is(err, ErrStreamOpenFailed) {
		t.Fatalf("unexpected error %v", err)
	}
	if len(cs.Streams()) != 0 {
		t.Fatal("failed stream was registered")
	}
}

func TestStreamWriteEnd(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	cs, mss := connectedClient(t, loop, ep, ms)

	st, err := cs.OpenStream(false)
	if err != nil {
		t.Fatal(err)
	}
	mst := mss.streams[st.ID()]

	payload := []byte("hello world")
	if n, err := st.Write(payload); err != nil || n != len(payload) {
		t.Fatalf("write returned %d, %v", n, err)
	}
	payload[0] = 'j'
	if !bytes.Equal(mst.writes[0], []byte("hello world")) {
		t.Fatal("write did not copy its buffer")
	}

	if err := st.End(); err != nil {
		t.Fatal(err)
	}
	if st.Writable() || mst.count("shutdown") != 0 {
		t.Fatal("stream was shut down before its write finished")
	}
	if _, err := st.Write(payload); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("write after end resulted in %v", err)
	}

	mss.events.OnStreamWritten(st.ID(), nil)
	loop.Drain()

	if mst.count("shutdown") != 1 {
		t.Fatalf("unexpected ops %v", mst.ops)
	}

	aborts := 0
	st.On(EventAbort, func(Event) { aborts++ })

	mss.events.OnStreamEnd(st.ID())
	loop.Drain()
	if st.Readable() {
		t.Fatal("stream is still readable after end")
	}

	mss.events.OnStreamClose(st.ID(), NoError)
	loop.Drain()
	if !st.Destroyed() || aborts != 0 {
		t.Fatalf("destroyed=%t, aborts=%d", st.Destroyed(), aborts)
	}
}

func TestStreamData(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	ss, mss := acceptedServer(t, loop, ep, ms)

	var st *Stream
	ss.On(EventStream, func(ev Event) { st = ev.Message.(*Stream) })
	mst := mss.peerStream(true)
	loop.Drain()

	if st == nil || !st.Readable() || st.Writable() {
		t.Fatal("peer unidirectional stream is not receive-only")
	}
	if _, err := st.Write([]byte("x")); !errors.Is(err, ErrNotWritable) {
		t.Fatalf("write on receive-only stream resulted in %v", err)
	}

	var el eventLog
	el.record(&st.emitter, EventData, EventEnd)

	mss.events.OnStreamData(mst.id, []byte("abc"))
	mss.events.OnStreamData(mst.id, []byte("def"))
	mss.events.OnStreamEnd(mst.id)
	mss.events.OnStreamData(mst.id, []byte("late"))
	loop.Drain()

	if !reflect.DeepEqual(el.types(), []EventType{EventData, EventData, EventEnd}) {
		t.Fatalf("unexpected events %v", el.types())
	}
	if !bytes.Equal(el.events[1].Message.([]byte), []byte("def")) {
		t.Fatalf("unexpected data %v", el.events[1].Message)
	}
}

func TestStreamClose(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	cs, mss := connectedClient(t, loop, ep, ms)

	st, err := cs.OpenStream(false)
	if err != nil {
		t.Fatal(err)
	}
	mst := mss.streams[st.ID()]

	var aborts []ErrorCode
	st.On(EventAbort, func(ev Event) { aborts = append(aborts, ev.Message.(ErrorCode)) })

	if err := st.Close(3); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(4); err != nil {
		t.Fatal(err)
	}
	loop.Drain()

	if mst.count("shutdownStream") != 1 {
		t.Fatalf("unexpected ops %v", mst.ops)
	}
	if !reflect.DeepEqual(aborts, []ErrorCode{ApplicationError(3)}) {
		t.Fatalf("unexpected aborts %v", aborts)
	}
	if !st.Closed() || !st.Aborted() || st.Readable() || st.Writable() {
		t.Fatal("closed stream has open sides")
	}

	// Both sides finished before close: no abort.
	st2, err := cs.OpenStream(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := st2.End(); err != nil {
		t.Fatal(err)
	}
	aborted := false
	st2.On(EventAbort, func(Event) { aborted = true })
	if err := st2.Close(0); err != nil {
		t.Fatal(err)
	}
	loop.Drain()

	if aborted || st2.Aborted() {
		t.Fatal("finished stream was aborted")
	}
}

func TestStreamReset(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	cs, mss := connectedClient(t, loop, ep, ms)

	st, err := cs.OpenStream(false)
	if err != nil {
		t.Fatal(err)
	}

	ended := false
	st.On(EventEnd, func(Event) { ended = true })

	if _, ok := st.ResetReceived(); ok {
		t.Fatal("reset before any was received")
	}

	mss.events.OnStreamReset(st.ID(), ApplicationError(9), 1024)
	loop.Drain()

	reset, ok := st.ResetReceived()
	if !ok || reset.Code != ApplicationError(9) || reset.FinalSize != 1024 {
		t.Fatalf("unexpected reset %v", reset)
	}
	if !ended || st.Readable() || !st.Writable() {
		t.Fatal("reset did not end the readable side only")
	}
}

func TestStreamDestroy(t *testing.T) {
	loop := NewLoop()
	ep, ms := newTestEndpoint(t, loop, &mockEngine{})
	cs, mss := connectedClient(t, loop, ep, ms)

	st, err := cs.OpenStream(false)
	if err != nil {
		t.Fatal(err)
	}
	mst := mss.streams[st.ID()]

	var el eventLog
	el.record(&st.emitter, EventError, EventClose)

	cause := errors.New("broken")
	st.Destroy(cause)
	st.Destroy(nil)
	loop.Drain()

	if mst.count("destroy") != 1 || !reflect.DeepEqual(el.types(), []EventType{EventError, EventClose}) {
		t.Fatalf("unexpected ops %v or events %v", mst.ops, el.types())
	}
	if _, err := st.Write([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("write on destroyed stream resulted in %v", err)
	}
	if err := st.Close(1); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("close on destroyed stream resulted in %v", err)
	}
	if len(cs.Streams()) != 0 || cs.Destroyed() {
		t.Fatal("stream removal affected the session")
	}

	// The engine reports the write failure of a destroyed stream: ignored.
	mss.events.OnStreamWritten(st.ID(), errors.New("late"))
	loop.Drain()
	if len(el.events) != 2 {
		t.Fatal("destroyed stream emitted further events")
	}
}
