package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies proxy failures. It is set where the failure happens and
// never derived from error text.
type Kind int

const (
	KindUpstream Kind = iota
	KindAuthRequired
	KindConfig
	KindToken
)

func (k Kind) Status() int {
	switch k {
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindConfig:
		return http.StatusServiceUnavailable
	case KindToken:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) Code() string {
	switch k {
	case KindAuthRequired:
		return "AUTH_REQUIRED"
	case KindConfig:
		return "CONFIG_ERROR"
	case KindToken:
		return "TOKEN_ERROR"
	default:
		return "PROXY_ERROR"
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind carried by err, or KindUpstream for anything else.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUpstream
}
