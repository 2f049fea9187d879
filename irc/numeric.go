package irc

import "fmt"

// Numeric replies used by the server (RFC 2812 section 5).
const (
	RplWelcome  = 1
	RplYourHost = 2
	RplCreated  = 3
	RplMyInfo   = 4

	RplMotd      = 372
	RplMotdStart = 375
	RplEndOfMotd = 376
	RplYoureOper = 381

	ErrNoSuchNick        = 401
	ErrNoRecipient       = 411
	ErrNoTextToSend      = 412
	ErrUnknownCommand    = 421
	ErrNoMotd            = 422
	ErrNoNicknameGiven   = 431
	ErrErroneousNickname = 432
	ErrNicknameInUse     = 433
	ErrNotRegistered     = 451
	ErrNeedMoreParams    = 461
	ErrAlreadyRegistered = 462
	ErrPasswdMismatch    = 464
	ErrNoOperHost        = 491
)

// Reply builds a numeric reply from server to target. The last param is
// always written in trailing form.
func Reply(server string, code int, target string, params ...string) *Message {
	if target == "" {
		target = "*"
	}
	return &Message{
		Prefix:   server,
		Command:  fmt.Sprintf("%03d", code),
		Params:   append([]string{target}, params...),
		Trailing: len(params) > 0,
	}
}

// From renders cmd as if sent by source, e.g. "nick!user@host".
func From(source string, cmd Command) string {
	return ":" + source + " " + cmd.Write()
}
