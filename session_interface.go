package main

import "github.com/scalecode-solutions/mvirc/session"

// SessionInterface defines the methods handlers need from a session.
// This interface enables mocking sessions in tests.
type SessionInterface interface {
	ID() string
	State() *session.State
	// Send queues a wire line, without terminator, for the client.
	Send(line string)
	// Close flushes queued lines and drops the connection. Only the first
	// reason is kept.
	Close(reason string)
}

// Compile-time check that Session implements SessionInterface.
var _ SessionInterface = (*Session)(nil)
