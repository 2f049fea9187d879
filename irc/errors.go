package irc

import "fmt"

// Reasons a PRIVMSG or NOTICE fails to parse.
const (
	ReasonNoRecipient = "no recipient given"
	ReasonNoText      = "no text to send"
)

// ParseError reports a line whose arguments could not be parsed. It is
// recoverable: the line is skipped and the rest of the batch continues.
type ParseError struct {
	Line   string
	Code   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("irc: malformed line: %s", e.Reason)
	}
	return fmt.Sprintf("irc: malformed %s: %s", e.Code, e.Reason)
}

// UnknownCommandError reports a line whose command code is not registered.
type UnknownCommandError struct {
	Line string
	Code string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("irc: unknown command %q", e.Code)
}

// DuplicateCommandError is returned when a code is registered twice. It is a
// startup-time configuration bug.
type DuplicateCommandError struct {
	Code string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("irc: command %q already registered", e.Code)
}
