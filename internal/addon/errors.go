package addon

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	LoadFailed        ErrorKind = "AddonLoadFailed"
	DispatchFailed    ErrorKind = "AddonDispatchFailed"
	PersistenceFailed ErrorKind = "PersistenceFailed"
)

// Error records a failure scoped to one addon. The registry logs these; they
// never abort a load pass or a dispatch batch.
type Error struct {
	Kind    ErrorKind
	AddonID string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	id := e.AddonID
	if id == "" {
		id = "?"
	}
	return fmt.Sprintf("%s [%s] %s: %v", e.Kind, id, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errDuplicateID = errors.New("duplicate addon id")

// LoadFailure is kept for every manifest that did not make it into the registry.
type LoadFailure struct {
	Path  string `json:"path"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}
