package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

var (
	ErrMalformed     = errors.New("malformed envelope")
	ErrMissingSender = errors.New("envelope missing from.id")
)

// DecodeError reports a frame that could not be turned into an Envelope.
// errors.Is(err, ErrMalformed) holds for every DecodeError.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode envelope: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// Identity names one side of an exchange. Key is the per-connection secret.
type Identity struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key,omitempty"`
}

// Envelope is one wire message.
type Envelope struct {
	From    Identity        `json:"from"`
	Target  *Identity       `json:"target,omitempty"`
	Type    string          `json:"type,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    []string        `json:"args,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	UUID    string          `json:"uuid,omitempty"`
	CoreKey string          `json:"coreKey,omitempty"`
}

// TargetID returns the addressee id or "" when the envelope has none.
func (e *Envelope) TargetID() string {
	if e.Target == nil {
		return ""
	}
	return e.Target.ID
}

// TargetKey returns the secret the sender supplied for the addressee.
func (e *Envelope) TargetKey() string {
	if e.Target == nil {
		return ""
	}
	return e.Target.Key
}

// ContentString returns the content when it is a JSON string.
func (e *Envelope) ContentString() (string, bool) {
	if len(e.Content) == 0 || e.Content[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// Reserved reports whether the command is a broker-internal code (000-099).
func (e *Envelope) Reserved() bool {
	return IsReserved(e.Command)
}

// IsReserved reports whether command parses as an integer in 0..99.
func IsReserved(command string) bool {
	if command == "" {
		return false
	}
	n, err := strconv.Atoi(command)
	if err != nil {
		return false
	}
	return n >= 0 && n <= 99
}

// Encode serializes an envelope as a JSON object.
func Encode(e Envelope) ([]byte, error) {
	if e.From.ID == "" {
		return nil, ErrMissingSender
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses one frame. It never panics on malformed input; any failure is
// a *DecodeError so callers can drop the frame.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return Envelope{}, &DecodeError{Err: errors.New("not a JSON object")}
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	if e.From.ID == "" {
		return Envelope{}, &DecodeError{Err: ErrMissingSender}
	}
	return e, nil
}

// Sanitize returns a copy of e with every secret removed: from.key,
// target.key and coreKey. The input is not modified.
func Sanitize(e Envelope) Envelope {
	out := e
	out.From.Key = ""
	if e.Target != nil {
		t := *e.Target
		t.Key = ""
		out.Target = &t
	}
	out.CoreKey = ""
	out.Args = slices.Clone(e.Args)
	out.Content = bytes.Clone(e.Content)
	return out
}

// NewContent marshals v for use as Envelope.Content.
func NewContent(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return b, nil
}

// MustContent is NewContent for values that always marshal (strings, string slices).
func MustContent(v any) json.RawMessage {
	b, err := NewContent(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unwrap decodes the envelope content into out.
func Unwrap[T any](e *Envelope, out *T) error { return json.Unmarshal(e.Content, out) }
