// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

type testSender string

func (ts testSender) String() string { return string(ts) }

func TestLoopDeferredOrder(t *testing.T) {
	loop := NewLoop()

	var e emitter
	var order []int
	e.On(EventData, func(ev Event) { order = append(order, ev.Message.(int)) })

	for i := 0; i < 5; i++ {
		loop.emit(&e, Event{Sender: testSender("test"), Type: EventData, Message: i})
	}
	if len(order) != 0 {
		t.Fatal("events were delivered synchronously")
	}

	if n := loop.Drain(); n != 5 {
		t.Fatalf("drained %d tasks", n)
	}
	if !reflect.DeepEqual(order, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestLoopOnce(t *testing.T) {
	loop := NewLoop()

	var e emitter
	calls := 0
	e.Once(EventClose, func(Event) { calls++ })
	e.On(EventClose, func(Event) { calls += 10 })

	loop.emit(&e, Event{Sender: testSender("test"), Type: EventClose})
	loop.emit(&e, Event{Sender: testSender("test"), Type: EventClose})
	loop.Drain()

	if calls != 21 || e.ListenerCount(EventClose) != 1 {
		t.Fatalf("calls=%d, listeners=%d", calls, e.ListenerCount(EventClose))
	}
}

func TestLoopAsync(t *testing.T) {
	loop := NewLoop()

	done := false
	loop.async(func() func() {
		time.Sleep(10 * time.Millisecond)
		return func() { done = true }
	})

	loop.Drain()
	if !done {
		t.Fatal("drain returned before the asynchronous work finished")
	}
}

func TestLoopPanic(t *testing.T) {
	loop := NewLoop()

	ran := false
	loop.post(func() { panic("handler failed") })
	loop.post(func() { ran = true })
	loop.Drain()

	if !ran {
		t.Fatal("loop stopped after a panic")
	}
}

func TestLoopStart(t *testing.T) {
	loop := NewLoop()
	loop.Start()

	var wg sync.WaitGroup
	wg.Add(3)

	var e emitter
	e.On(EventData, func(Event) { wg.Done() })
	loop.Tap(func(ev Event) {
		if ev.Type != EventData {
			t.Errorf("unexpected event %v", ev)
		}
	})

	for i := 0; i < 3; i++ {
		loop.emit(&e, Event{Sender: testSender(fmt.Sprintf("test %d", i)), Type: EventData})
	}

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(time.Second):
		t.Fatal("events were not delivered")
	}

	if err := loop.Close(); err != nil {
		t.Fatal(err)
	}
	if err := loop.Close(); err == nil {
		t.Fatal("second close succeeded")
	}
}
