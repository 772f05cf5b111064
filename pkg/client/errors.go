package client

import (
	"errors"
	"fmt"

	"github.com/arunabot/arunacore/pkg/proto"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrVersionUnsupported = errors.New("api version not supported by broker")
	ErrBadHandshake       = errors.New("broker rejected handshake headers")
	ErrConflict           = errors.New("id already registered")
	ErrTimeout            = errors.New("timed out")
	ErrNotReady           = errors.New("client is not registered")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed             = errors.New("client closed")
)

// StatusError is a broker error envelope correlated to a local call.
type StatusError struct {
	Code  string
	Label string
	Args  []string
}

func (e *StatusError) Error() string {
	if len(e.Args) > 0 {
		return fmt.Sprintf("broker status %s (%s): %v", e.Code, e.Label, e.Args)
	}
	return fmt.Sprintf("broker status %s (%s)", e.Code, e.Label)
}

// Is maps broker codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch e.Code {
	case proto.CodeUnauthorized:
		return target == ErrUnauthorized
	case proto.CodeIDTaken:
		return target == ErrConflict
	case proto.CodeBadRequest:
		return target == ErrBadHandshake
	}
	return false
}

func statusError(env proto.Envelope) *StatusError {
	l, _ := env.ContentString()
	return &StatusError{Code: env.Command, Label: l, Args: env.Args}
}
