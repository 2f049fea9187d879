package irc

import "strings"

// Command is one typed protocol message. A registered Command is used as a
// prototype: the codec clones it for every line it parses.
type Command interface {
	// Code returns the uppercase command code, e.g. "NICK".
	Code() string
	// Parse fills the receiver from a full wire line. It returns a
	// *ParseError when the arguments are malformed.
	Parse(line string) error
	// Write renders the command as a wire line without the terminator.
	Write() string
	// Clone returns a fresh, empty instance of the same command kind.
	Clone() Command
}

// parseArgs tokenizes line and checks it carries at least min params.
func parseArgs(line, code string, min int) (*Message, error) {
	msg, err := ParseLine(line)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Code = code
		}
		return nil, err
	}
	if msg.Command != code {
		return nil, &ParseError{Line: line, Code: code, Reason: "command mismatch: " + msg.Command}
	}
	if len(msg.Params) < min {
		return nil, &ParseError{Line: line, Code: code, Reason: "not enough parameters"}
	}
	return msg, nil
}

// ============================================================================
// Registration
// ============================================================================

// Nick sets or changes the session nickname.
type Nick struct {
	Nickname string
}

func (c *Nick) Code() string   { return "NICK" }
func (c *Nick) Clone() Command { return &Nick{} }

func (c *Nick) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 1)
	if err != nil {
		return err
	}
	if msg.Params[0] == "" {
		return &ParseError{Line: line, Code: c.Code(), Reason: "empty nickname"}
	}
	c.Nickname = msg.Params[0]
	return nil
}

func (c *Nick) Write() string {
	return (&Message{Command: c.Code(), Params: []string{c.Nickname}}).String()
}

// User carries the username and realname of a connecting client.
type User struct {
	Username string
	Mode     string
	Unused   string
	Realname string
}

func (c *User) Code() string   { return "USER" }
func (c *User) Clone() Command { return &User{} }

func (c *User) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 4)
	if err != nil {
		return err
	}
	c.Username = msg.Params[0]
	c.Mode = msg.Params[1]
	c.Unused = msg.Params[2]
	c.Realname = msg.Params[3]
	return nil
}

func (c *User) Write() string {
	return (&Message{
		Command:  c.Code(),
		Params:   []string{c.Username, c.Mode, c.Unused, c.Realname},
		Trailing: true,
	}).String()
}

// Pass carries a connection password. mvircd accepts a signed account token.
type Pass struct {
	Password string
}

func (c *Pass) Code() string   { return "PASS" }
func (c *Pass) Clone() Command { return &Pass{} }

func (c *Pass) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 1)
	if err != nil {
		return err
	}
	c.Password = msg.Params[0]
	return nil
}

func (c *Pass) Write() string {
	return (&Message{Command: c.Code(), Params: []string{c.Password}}).String()
}

// Oper requests operator privileges.
type Oper struct {
	Name     string
	Password string
}

func (c *Oper) Code() string   { return "OPER" }
func (c *Oper) Clone() Command { return &Oper{} }

func (c *Oper) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 2)
	if err != nil {
		return err
	}
	c.Name = msg.Params[0]
	c.Password = msg.Params[1]
	return nil
}

func (c *Oper) Write() string {
	return (&Message{Command: c.Code(), Params: []string{c.Name, c.Password}}).String()
}

// ============================================================================
// Connection
// ============================================================================

// Ping tests the liveness of the peer.
type Ping struct {
	Token string
}

func (c *Ping) Code() string   { return "PING" }
func (c *Ping) Clone() Command { return &Ping{} }

func (c *Ping) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 1)
	if err != nil {
		return err
	}
	c.Token = msg.Params[0]
	return nil
}

func (c *Ping) Write() string {
	return (&Message{Command: c.Code(), Params: []string{c.Token}, Trailing: true}).String()
}

// Pong answers a Ping. Server is optional.
type Pong struct {
	Server string
	Token  string
}

func (c *Pong) Code() string   { return "PONG" }
func (c *Pong) Clone() Command { return &Pong{} }

func (c *Pong) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 1)
	if err != nil {
		return err
	}
	if len(msg.Params) >= 2 {
		c.Server = msg.Params[0]
		c.Token = msg.Params[1]
	} else {
		c.Token = msg.Params[0]
	}
	return nil
}

func (c *Pong) Write() string {
	params := []string{c.Token}
	if c.Server != "" {
		params = []string{c.Server, c.Token}
	}
	return (&Message{Command: c.Code(), Params: params, Trailing: true}).String()
}

// Quit ends the session. Reason is optional.
type Quit struct {
	Reason string
}

func (c *Quit) Code() string   { return "QUIT" }
func (c *Quit) Clone() Command { return &Quit{} }

func (c *Quit) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 0)
	if err != nil {
		return err
	}
	c.Reason = msg.Param(0)
	return nil
}

func (c *Quit) Write() string {
	if c.Reason == "" {
		return c.Code()
	}
	return (&Message{Command: c.Code(), Params: []string{c.Reason}, Trailing: true}).String()
}

// ============================================================================
// Messaging
// ============================================================================

// Privmsg delivers text to a target.
type Privmsg struct {
	Target string
	Text   string
}

func (c *Privmsg) Code() string   { return "PRIVMSG" }
func (c *Privmsg) Clone() Command { return &Privmsg{} }

func (c *Privmsg) Parse(line string) error {
	target, text, err := parseText(line, c.Code())
	if err != nil {
		return err
	}
	c.Target, c.Text = target, text
	return nil
}

func (c *Privmsg) Write() string { return writeText(c.Code(), c.Target, c.Text) }

// Notice delivers text to a target; automatic replies to it are forbidden.
type Notice struct {
	Target string
	Text   string
}

func (c *Notice) Code() string   { return "NOTICE" }
func (c *Notice) Clone() Command { return &Notice{} }

func (c *Notice) Parse(line string) error {
	target, text, err := parseText(line, c.Code())
	if err != nil {
		return err
	}
	c.Target, c.Text = target, text
	return nil
}

func (c *Notice) Write() string { return writeText(c.Code(), c.Target, c.Text) }

func parseText(line, code string) (target, text string, err error) {
	msg, err := parseArgs(line, code, 0)
	if err != nil {
		return "", "", err
	}
	if len(msg.Params) == 0 || msg.Params[0] == "" {
		return "", "", &ParseError{Line: line, Code: code, Reason: ReasonNoRecipient}
	}
	if len(msg.Params) < 2 || msg.Params[1] == "" {
		return "", "", &ParseError{Line: line, Code: code, Reason: ReasonNoText}
	}
	return msg.Params[0], msg.Params[1], nil
}

func writeText(code, target, text string) string {
	return (&Message{Command: code, Params: []string{target, text}, Trailing: true}).String()
}

// Motd requests the message of the day. Target is optional.
type Motd struct {
	Target string
}

func (c *Motd) Code() string   { return "MOTD" }
func (c *Motd) Clone() Command { return &Motd{} }

func (c *Motd) Parse(line string) error {
	msg, err := parseArgs(line, c.Code(), 0)
	if err != nil {
		return err
	}
	c.Target = msg.Param(0)
	return nil
}

func (c *Motd) Write() string {
	if c.Target == "" {
		return c.Code()
	}
	return (&Message{Command: c.Code(), Params: []string{c.Target}}).String()
}

// ============================================================================
// Nicknames
// ============================================================================

// CaseFold maps a nickname to its rfc1459 canonical form, where {}|^ are the
// lowercase equivalents of []\~.
func CaseFold(nick string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, nick)
}

// ValidNick reports whether nick follows the RFC 2812 grammar and fits in
// maxLen bytes.
func ValidNick(nick string, maxLen int) bool {
	if nick == "" || (maxLen > 0 && len(nick) > maxLen) {
		return false
	}
	for i := 0; i < len(nick); i++ {
		c := nick[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case isSpecial(c):
		case i > 0 && (c >= '0' && c <= '9' || c == '-'):
		default:
			return false
		}
	}
	return true
}

func isSpecial(c byte) bool {
	switch c {
	case '[', ']', '\\', '`', '_', '^', '{', '|', '}':
		return true
	}
	return false
}
