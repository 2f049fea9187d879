package session

import (
	"fmt"
	"sync"
	"time"
)

// NotRegisteredError rejects a command that needs a registered session.
type NotRegisteredError struct {
	SessionID string
	Code      string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("session %s: %s requires registration", e.SessionID, e.Code)
}

// State is the server-side view of one client connection.
//
// Writes happen only on the goroutine dispatching that session's commands;
// the mutex exists for readers elsewhere (hub lookups, presence).
type State struct {
	id        string
	hostname  string
	tls       bool
	createdAt time.Time

	mu       sync.RWMutex
	nick     string
	username string
	realname string
	account  string
	operator bool
	status   Status
}

// New creates the state for a freshly accepted connection.
func New(id, hostname string, tls bool) *State {
	return &State{
		id:        id,
		hostname:  hostname,
		tls:       tls,
		createdAt: time.Now(),
	}
}

// ID returns the opaque session id.
func (s *State) ID() string { return s.id }

// Hostname returns the peer host as seen by the transport.
func (s *State) Hostname() string { return s.hostname }

// TLS reports whether the connection is encrypted.
func (s *State) TLS() bool { return s.tls }

// CreatedAt returns the connection time.
func (s *State) CreatedAt() time.Time { return s.createdAt }

// Nick returns the current nickname, empty until set.
func (s *State) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// Username returns the username, empty until set.
func (s *State) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Realname returns the realname given with USER.
func (s *State) Realname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.realname
}

// Account returns the account proven with PASS, if any.
func (s *State) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Operator reports whether the session has operator privileges.
func (s *State) Operator() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.operator
}

// Status returns the current registration bitmask.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Phase reports the named registration state.
func (s *State) Phase() Phase {
	return s.Status().Phase()
}

// Apply merges bit into the mask and reports whether this call moved the
// session into Registered. It returns true at most once per session.
func (s *State) Apply(bit Status) (completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(bit)
}

// Registered reports whether registration has completed.
func (s *State) Registered() bool {
	return s.Status().Complete()
}

// Hostmask returns "nick!user@host", with "*" for unset parts.
func (s *State) Hostmask() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nick, user := s.nick, s.username
	if nick == "" {
		nick = "*"
	}
	if user == "" {
		user = "*"
	}
	return nick + "!" + user + "@" + s.hostname
}

// SetNickname records nick and sets the Nickname bit. It returns the previous
// nickname and whether this call completed registration.
func (s *State) SetNickname(nick string) (previous string, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.nick
	s.nick = nick
	return previous, s.apply(Nickname)
}

// SetUser records username and realname and sets the Username bit. It returns
// whether this call completed registration.
func (s *State) SetUser(username, realname string) (completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.realname = realname
	return s.apply(Username)
}

// SetAccount records the account proven by a token.
func (s *State) SetAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
}

// SetOperator grants operator privileges. There is no way to revoke them
// short of disconnecting.
func (s *State) SetOperator() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operator = true
}

// Require returns *NotRegisteredError when code arrives before registration
// has completed. It never mutates the state.
func (s *State) Require(code string) error {
	if s.Registered() {
		return nil
	}
	return &NotRegisteredError{SessionID: s.id, Code: code}
}

// apply merges bit into the mask and reports whether the mask just became
// Completed. Must be called with mu held.
func (s *State) apply(bit Status) bool {
	old := s.status
	s.status = Merge(old, bit)
	return !old.Complete() && s.status.Complete()
}
