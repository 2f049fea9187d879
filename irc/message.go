// Package irc implements the IRC wire protocol: line sanitization, message
// tokenizing, typed commands, the command registry and the codec that ties
// them together.
package irc

import (
	"strings"
)

const (
	// MaxLineLength is the RFC 1459 line cap, including the CRLF terminator.
	MaxLineLength = 512
	// maxContentLength is the room left for message content once the
	// terminator is accounted for.
	maxContentLength = MaxLineLength - len(terminator)

	terminator = "\r\n"
)

// Message is a tokenized protocol line:
//
//	[":" prefix SPACE] command *(SPACE middle) [SPACE ":" trailing]
type Message struct {
	Prefix  string
	Command string
	Params  []string
	// Trailing is set when the last parameter was (or must be) written in
	// the ":" trailing form.
	Trailing bool
}

// ParseLine tokenizes a single line. The line must not contain a terminator.
func ParseLine(line string) (*Message, error) {
	rest := strings.TrimLeft(line, " ")
	msg := &Message{}

	if strings.HasPrefix(rest, ":") {
		end := strings.IndexByte(rest, ' ')
		if end < 0 {
			return nil, &ParseError{Line: line, Reason: "prefix without command"}
		}
		msg.Prefix = rest[1:end]
		rest = strings.TrimLeft(rest[end:], " ")
	}

	command, rest := nextToken(rest)
	if command == "" {
		return nil, &ParseError{Line: line, Reason: "missing command"}
	}
	msg.Command = strings.ToUpper(command)

	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' {
			msg.Params = append(msg.Params, rest[1:])
			msg.Trailing = true
			break
		}
		var param string
		param, rest = nextToken(rest)
		msg.Params = append(msg.Params, param)
	}

	return msg, nil
}

// nextToken splits off the next space-delimited token.
func nextToken(s string) (token, rest string) {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Param returns the i-th parameter or "" when absent.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// String renders the message as a wire line without the terminator.
func (m *Message) String() string {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for i, p := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && (m.Trailing || needsTrailing(p)) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}

// needsTrailing reports whether p can only be carried as a trailing param.
func needsTrailing(p string) bool {
	return p == "" || p[0] == ':' || strings.IndexByte(p, ' ') >= 0
}

// extractCode returns the command token of a line, skipping an optional
// leading ":prefix" token. It does no allocation beyond the uppercase copy.
func extractCode(line string) string {
	rest := strings.TrimLeft(line, " ")
	if strings.HasPrefix(rest, ":") {
		i := strings.IndexByte(rest, ' ')
		if i < 0 {
			return ""
		}
		rest = strings.TrimLeft(rest[i:], " ")
	}
	code, _ := nextToken(rest)
	return strings.ToUpper(code)
}
