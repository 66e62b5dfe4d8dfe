package bundle

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any *NotFoundError via errors.Is.
	ErrNotFound = errors.New("bundle not found")
	// ErrMalformed matches any *MalformedBundleError via errors.Is.
	ErrMalformed = errors.New("malformed bundle")
)

// NotFoundError reports an identifier missing from a registry or a location
// with no bundle in it.
type NotFoundError struct {
	ID       string
	Location string
	Err      error
}

func (e *NotFoundError) Error() string {
	switch {
	case e.ID != "" && e.Location != "":
		return fmt.Sprintf("bundle %q not found at %s", e.ID, e.Location)
	case e.ID != "":
		return fmt.Sprintf("bundle %q not found", e.ID)
	default:
		return fmt.Sprintf("no bundle at %s", e.Location)
	}
}

func (e *NotFoundError) Unwrap() error { return e.Err }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// MalformedBundleError reports a bundle that failed structural validation.
type MalformedBundleError struct {
	Location string
	Reason   string
	Err      error
}

func (e *MalformedBundleError) Error() string {
	msg := fmt.Sprintf("malformed bundle at %s: %s", e.Location, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedBundleError) Unwrap() error { return e.Err }

func (e *MalformedBundleError) Is(target error) bool { return target == ErrMalformed }

func malformed(location, reason string, err error) error {
	return &MalformedBundleError{Location: location, Reason: reason, Err: err}
}
