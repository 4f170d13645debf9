// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clientfsm defines the per-client connection state machine
// contract consumed by the core (spec §6 "FSM"): disconnect and
// QoS-aware message delivery. The wire protocol and connection
// lifecycle themselves are out of scope (spec.md §1); this package
// only carries the handle type and a minimal local implementation
// used by tests and by single-process deployments.
package clientfsm

import (
	"errors"
	"sync"
)

// ErrProcessGone is returned by Deliver when the process has already
// exited and can no longer accept messages.
var ErrProcessGone = errors.New("clientfsm: process gone")

// Msg is one message handed to a client process for delivery.
type Msg struct {
	RoutingKey string
	Payload    []byte
	QoS        byte
	Dup        bool
	Retain     bool
	MsgRef     string
}

// Process is the handle for a connected client's state machine. It is
// what register binds client IDs to, and what the local router
// delivers to. Production implementations wrap the goroutine that owns
// the client's network connection; Local below is a minimal in-process
// stand-in.
type Process interface {
	// Disconnect instructs the process to close its connection. It
	// does not block for the exit to complete; callers that need to
	// observe the exit register an OnExit callback instead (spec
	// §4.E, §9 "on-exit removal").
	Disconnect()

	// Deliver hands one message to the process. It returns
	// ErrProcessGone if the process has already exited.
	Deliver(Msg) error

	// OnExit registers fn to run once, when Disconnect is called. If
	// the process has already disconnected, fn runs immediately from
	// the calling goroutine. register.Registrar uses this to remove a
	// client's binding the moment its process actually exits, rather
	// than polling with no way to observe the exit.
	OnExit(fn func())
}

// Local is a channel-backed Process for use in tests and in-process
// publishers (e.g. the plugin convenience triple, spec §6). Inbound
// messages are pushed to Messages; Disconnect closes done exactly once
// and then runs any OnExit callbacks.
type Local struct {
	Messages chan Msg

	mu     sync.Mutex
	done   bool
	stop   chan struct{}
	onExit []func()
}

// NewLocal returns a ready Local process with the given inbound buffer
// size.
func NewLocal(buffer int) *Local {
	return &Local{
		Messages: make(chan Msg, buffer),
		stop:     make(chan struct{}),
	}
}

// Disconnect marks the process as gone and runs any OnExit callbacks.
// Safe to call more than once; callbacks run exactly once.
func (l *Local) Disconnect() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	close(l.stop)
	fns := l.onExit
	l.onExit = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// OnExit registers fn to run when Disconnect is called. If the process
// has already disconnected, fn runs immediately, synchronously, in the
// calling goroutine.
func (l *Local) OnExit(fn func()) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		fn()
		return
	}
	l.onExit = append(l.onExit, fn)
	l.mu.Unlock()
}

// Deliver pushes m to Messages, or returns ErrProcessGone if the
// process has disconnected.
func (l *Local) Deliver(m Msg) error {
	l.mu.Lock()
	gone := l.done
	l.mu.Unlock()
	if gone {
		return ErrProcessGone
	}

	select {
	case l.Messages <- m:
		return nil
	case <-l.stop:
		return ErrProcessGone
	}
}

// Done reports whether Disconnect has been called.
func (l *Local) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}
