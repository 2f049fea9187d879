package irc

import (
	"strings"
	"unicode/utf8"

	"github.com/scalecode-solutions/runeseg"
)

// SanitizeMessage splits a raw chunk into logical lines. CR, LF and CRLF all
// terminate a line; empty and whitespace-only lines are dropped. Lines longer
// than the wire limit are truncated on a grapheme cluster boundary.
func SanitizeMessage(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	lines := make([]string, 0, len(parts))
	for _, line := range parts {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, truncateLine(line, maxContentLength))
	}
	return lines
}

// truncateLine cuts line to at most limit bytes without splitting a grapheme
// cluster. A single cluster larger than limit is cut on a rune boundary.
func truncateLine(line string, limit int) string {
	if len(line) <= limit {
		return line
	}

	end := 0
	state := -1
	for rest := line; len(rest) > 0; {
		var cluster string
		cluster, rest, _, state = runeseg.StepString(rest, state)
		if end+len(cluster) > limit {
			break
		}
		end += len(cluster)
	}

	if end == 0 {
		end = limit
		for end > 0 && !utf8.RuneStart(line[end]) {
			end--
		}
	}
	return line[:end]
}

// Decoded is the outcome of decoding one sanitized line. Exactly one of
// Command and Err is set.
type Decoded struct {
	Line    string
	Command Command
	Err     error
}

// Codec turns wire text into typed commands and back.
type Codec struct {
	registry *Registry
}

// NewCodec creates a codec backed by registry.
func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Registry returns the backing registry.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// Decode sanitizes raw and decodes every line in input order. A bad or
// unknown line yields an error entry and never aborts the batch.
func (c *Codec) Decode(raw string) []Decoded {
	lines := SanitizeMessage(raw)
	out := make([]Decoded, 0, len(lines))

	for _, line := range lines {
		code := extractCode(line)
		if code == "" {
			out = append(out, Decoded{Line: line, Err: &ParseError{Line: line, Reason: "missing command"}})
			continue
		}

		cmd, ok := c.registry.Lookup(code)
		if !ok {
			out = append(out, Decoded{Line: line, Err: &UnknownCommandError{Line: line, Code: code}})
			continue
		}

		if err := cmd.Parse(line); err != nil {
			out = append(out, Decoded{Line: line, Err: err})
			continue
		}
		out = append(out, Decoded{Line: line, Command: cmd})
	}
	return out
}

// Parse decodes raw into the ordered list of commands that parsed, plus the
// per-line errors (*ParseError, *UnknownCommandError) for the rest.
func (c *Codec) Parse(raw string) ([]Command, []error) {
	var (
		cmds []Command
		errs []error
	)
	for _, d := range c.Decode(raw) {
		if d.Err != nil {
			errs = append(errs, d.Err)
			continue
		}
		cmds = append(cmds, d.Command)
	}
	return cmds, errs
}

// Serialize renders cmd as a terminated wire line.
func (c *Codec) Serialize(cmd Command) string {
	return cmd.Write() + terminator
}

// Terminate appends the protocol terminator to a rendered line.
func Terminate(line string) string {
	return line + terminator
}
