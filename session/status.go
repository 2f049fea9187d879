// Package session tracks per-connection registration state: the nickname and
// username a client has supplied and the auth-status bitmask derived from them.
package session

import "strings"

// Status is the registration bitmask of a session. Bits are only ever set.
type Status uint8

const (
	None     Status = 0
	Nickname Status = 1 << 0
	Username Status = 1 << 1

	// Completed is reached once both registration steps have arrived, in
	// either order.
	Completed = Nickname | Username
)

// Merge is the pure transition function: newMask = old | bit.
func Merge(old, bit Status) Status {
	return old | bit
}

// Has reports whether every bit of mask is set.
func (s Status) Has(mask Status) bool { return s&mask == mask }

// Complete reports whether s equals Completed.
func (s Status) Complete() bool { return s.Has(Completed) }

func (s Status) String() string {
	if s == None {
		return "none"
	}
	var parts []string
	if s.Has(Nickname) {
		parts = append(parts, "nickname")
	}
	if s.Has(Username) {
		parts = append(parts, "username")
	}
	return strings.Join(parts, "|")
}

// Phase is the named state of the registration state machine.
type Phase int

const (
	Unauthenticated Phase = iota
	PartiallyRegistered
	Registered
)

// Phase maps the bitmask to its named state.
func (s Status) Phase() Phase {
	switch {
	case s.Complete():
		return Registered
	case s == None:
		return Unauthenticated
	default:
		return PartiallyRegistered
	}
}

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "unauthenticated"
	case PartiallyRegistered:
		return "partially-registered"
	case Registered:
		return "registered"
	}
	return "unknown"
}
