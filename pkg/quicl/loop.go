// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicl

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
)

// Loop is the task queue shared by Endpoints, Sessions and Streams.
//
// Tasks are executed one after another in the order they were posted. Engine notifications
// are executed while holding the state lock, which is also taken by every public method.
// Event handlers are executed without holding it.
type Loop struct {
	// state guards all objects attached to this Loop.
	state sync.Mutex

	// tasks is a FIFO of func(). inflight counts asynchronous work, e.g., address
	// lookups, whose continuation has not been queued yet.
	tasks      *queue.Queue
	inflight   int
	stopped    bool
	queueMutex sync.Mutex
	queueCond  *sync.Cond

	taps      []Handler
	tapsMutex sync.RWMutex

	running bool
	stopAck chan struct{}
}

// NewLoop creates a new Loop. Call Start to run it in its own goroutine or Drain to drive it.
func NewLoop() *Loop {
	loop := &Loop{
		tasks:   queue.New(),
		stopAck: make(chan struct{}),
	}
	loop.queueCond = sync.NewCond(&loop.queueMutex)

	return loop
}

// Start the Loop's goroutine.
func (loop *Loop) Start() {
	loop.queueMutex.Lock()
	defer loop.queueMutex.Unlock()

	if loop.running || loop.stopped {
		return
	}
	loop.running = true

	go loop.handler()
}

// handler is the internal goroutine started by Start.
func (loop *Loop) handler() {
	defer close(loop.stopAck)

	for {
		task, ok := loop.next(true)
		if !ok {
			log.Debug("Loop received closing signal")
			return
		}

		loop.run(task)
	}
}

// Close the Loop. Queued tasks are discarded.
func (loop *Loop) Close() error {
	loop.queueMutex.Lock()
	if loop.stopped {
		loop.queueMutex.Unlock()
		return fmt.Errorf("loop was already closed")
	}

	loop.stopped = true
	running := loop.running
	loop.queueCond.Broadcast()
	loop.queueMutex.Unlock()

	if running {
		<-loop.stopAck
	}
	return nil
}

// Drain executes queued tasks until the queue is empty and no asynchronous work is pending.
// It returns the number of executed tasks. Drain must not be used on a started Loop.
func (loop *Loop) Drain() (n int) {
	for {
		task, ok := loop.next(false)
		if !ok {
			return
		}

		loop.run(task)
		n++
	}
}

// Tap registers a Handler which receives every event delivered through this Loop,
// after the event's own listeners.
func (loop *Loop) Tap(h Handler) {
	loop.tapsMutex.Lock()
	defer loop.tapsMutex.Unlock()

	loop.taps = append(loop.taps, h)
}

// next returns the next task. If forever is false, next gives up as soon as the queue
// is empty and nothing is in flight. Otherwise it waits until the Loop is closed.
func (loop *Loop) next(forever bool) (func(), bool) {
	loop.queueMutex.Lock()
	defer loop.queueMutex.Unlock()

	for loop.tasks.Length() == 0 {
		if loop.stopped {
			return nil, false
		}
		if !forever && loop.inflight == 0 {
			return nil, false
		}

		loop.queueCond.Wait()
	}

	if loop.stopped {
		return nil, false
	}
	return loop.tasks.Remove().(func()), true
}

func (loop *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Loop task panicked")
		}
	}()

	task()
}

// post queues a task which runs without the state lock.
func (loop *Loop) post(task func()) {
	loop.queueMutex.Lock()
	defer loop.queueMutex.Unlock()

	loop.tasks.Add(task)
	loop.queueCond.Signal()
}

// dispatch queues a task which runs while holding the state lock.
func (loop *Loop) dispatch(task func()) {
	loop.post(loop.locked(task))
}

func (loop *Loop) locked(task func()) func() {
	return func() {
		loop.state.Lock()
		defer loop.state.Unlock()

		task()
	}
}

// async runs work in its own goroutine. The returned continuation, if any, is dispatched.
func (loop *Loop) async(work func() func()) {
	loop.queueMutex.Lock()
	loop.inflight++
	loop.queueMutex.Unlock()

	go func() {
		cont := work()

		loop.queueMutex.Lock()
		defer loop.queueMutex.Unlock()

		loop.inflight--
		if cont != nil {
			loop.tasks.Add(loop.locked(cont))
		}
		loop.queueCond.Broadcast()
	}()
}

// emit queues the delivery of an event to e's listeners and the Loop's taps.
func (loop *Loop) emit(e *emitter, ev Event) {
	loop.post(func() {
		handled := e.fire(ev)

		loop.tapsMutex.RLock()
		taps := loop.taps
		loop.tapsMutex.RUnlock()

		for _, tap := range taps {
			tap(ev)
		}

		if ev.Type == EventError && !handled {
			log.WithFields(log.Fields{
				"sender": ev.Sender,
				"error":  ev.Message,
			}).Warn("Unhandled error event")
		}
	})
}
