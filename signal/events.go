package signal

import (
	"context"
	"time"
)

// JobHandle is the scheduler's handle on a live job.
type JobHandle interface {
	Name() string
	Cancel()
}

// JobReply answers a JobRequested.
type JobReply struct {
	Job JobHandle
	Err error
}

// JobRequested asks the scheduler to run Action every Interval under Name.
// Reply, when non-nil, must have room for one value; the scheduler never
// blocks on it.
type JobRequested struct {
	Name     string
	Interval time.Duration
	Action   func(ctx context.Context) error
	Reply    chan<- JobReply
}

// JobSkipped is published when a tick fires while the previous run of the
// same job is still in flight.
type JobSkipped struct {
	Name string
	At   time.Time
}

// SessionRegistered is published once per session, when both NICK and USER
// have been received.
type SessionRegistered struct {
	SessionID string
	Nick      string
	Username  string
	Hostname  string
	TLS       bool
	At        time.Time
}

// SessionClosed is published when a registered session leaves the hub.
type SessionClosed struct {
	SessionID string
	Nick      string
	Reason    string
	At        time.Time
}

// NickChanged is published when a registered session changes nickname.
type NickChanged struct {
	SessionID string
	Old       string
	New       string
}
