package player

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	InvalidReference   ErrorKind = "InvalidReference"
	BackendUnavailable ErrorKind = "BackendUnavailable"
	NoPlayableFile     ErrorKind = "NoPlayableFile"
	AttachmentFailed   ErrorKind = "AttachmentFailed"
)

// Error is the single shape every dispatcher failure takes on its way to the
// caller or the event channel.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, ErrNoPlayableFile) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidReference   = &Error{Kind: InvalidReference}
	ErrBackendUnavailable = &Error{Kind: BackendUnavailable}
	ErrNoPlayableFile     = &Error{Kind: NoPlayableFile}
	ErrAttachmentFailed   = &Error{Kind: AttachmentFailed}

	// ErrSuperseded is returned by a Load that a newer Load replaced before it finished.
	ErrSuperseded = errors.New("load superseded by a newer load")
)

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// asError coerces any backend failure into an *Error, defaulting to AttachmentFailed.
func asError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return newError(AttachmentFailed, "backend error", err)
}
