package proto

import (
	"errors"
	"fmt"
	"strings"
)

// LegacyMessage is the frozen positional wire format used by early modules:
//
//	:from[-type] command [target] :arg1 arg2 ...
//
// The broker does not speak it; the codec exists for tooling that still has
// to read or produce these lines.
type LegacyMessage struct {
	From    string
	Type    string
	Command string
	To      string
	Args    []string
}

var errLegacyToken = errors.New("legacy token must be non-empty and contain no spaces")

func legacyToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

// EncodeLegacy renders m as one positional line.
func EncodeLegacy(m LegacyMessage) (string, error) {
	if !legacyToken(m.From) || strings.HasPrefix(m.From, ":") {
		return "", fmt.Errorf("from: %w", errLegacyToken)
	}
	// type and id share the first token, split on the first '-'
	if strings.Contains(m.From, "-") {
		return "", errors.New("legacy from id must not contain '-'")
	}
	if m.Type != "" && (!legacyToken(m.Type) || strings.Contains(m.Type, "-")) {
		return "", errors.New("legacy type must be a single token without '-'")
	}
	if !legacyToken(m.Command) {
		return "", fmt.Errorf("command: %w", errLegacyToken)
	}
	if m.To != "" && (!legacyToken(m.To) || strings.HasPrefix(m.To, ":")) {
		return "", fmt.Errorf("to: %w", errLegacyToken)
	}
	for i, a := range m.Args {
		if !legacyToken(a) {
			return "", fmt.Errorf("arg %d: %w", i, errLegacyToken)
		}
	}

	var sb strings.Builder
	sb.WriteByte(':')
	if m.Type != "" {
		sb.WriteString(m.Type)
		sb.WriteByte('-')
	}
	sb.WriteString(m.From)
	sb.WriteByte(' ')
	sb.WriteString(m.Command)
	sb.WriteByte(' ')
	if m.To != "" {
		sb.WriteString(m.To)
		sb.WriteByte(' ')
	}
	sb.WriteByte(':')
	sb.WriteString(strings.Join(m.Args, " "))
	return sb.String(), nil
}

// DecodeLegacy parses one positional line.
func DecodeLegacy(line string) (LegacyMessage, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, ":") {
		return LegacyMessage{}, &DecodeError{Err: errors.New("legacy line must start with ':'")}
	}
	fields := strings.Split(line, " ")
	if len(fields) < 3 {
		return LegacyMessage{}, &DecodeError{Err: errors.New("legacy line has too few fields")}
	}

	var m LegacyMessage
	head := fields[0][1:]
	if kind, id, ok := strings.Cut(head, "-"); ok {
		m.Type, m.From = kind, id
	} else {
		m.From = head
	}
	m.Command = fields[1]
	if m.From == "" || m.Command == "" {
		return LegacyMessage{}, &DecodeError{Err: ErrMissingSender}
	}

	rest := fields[2:]
	if !strings.HasPrefix(rest[0], ":") {
		m.To = rest[0]
		rest = rest[1:]
	}
	if len(rest) == 0 || !strings.HasPrefix(rest[0], ":") {
		return LegacyMessage{}, &DecodeError{Err: errors.New("legacy line missing ':' argument marker")}
	}
	rest[0] = rest[0][1:]
	if len(rest) == 1 && rest[0] == "" {
		return m, nil
	}
	m.Args = rest
	return m, nil
}

// Envelope maps the positional fields onto the structured envelope.
func (m LegacyMessage) Envelope() Envelope {
	e := Envelope{
		From:    Identity{ID: m.From},
		Type:    m.Type,
		Command: m.Command,
		Args:    m.Args,
	}
	if m.To != "" {
		e.Target = &Identity{ID: m.To}
	}
	return e
}

// LegacyFromEnvelope is a best-effort mapping. Keys, uuid and non-string
// content are dropped; string content becomes the argument list when Args is empty.
func LegacyFromEnvelope(e Envelope) LegacyMessage {
	m := LegacyMessage{
		From:    e.From.ID,
		Type:    e.Type,
		Command: e.Command,
		To:      e.TargetID(),
		Args:    e.Args,
	}
	if len(m.Args) == 0 {
		if s, ok := e.ContentString(); ok {
			m.Args = strings.Fields(s)
		}
	}
	return m
}
