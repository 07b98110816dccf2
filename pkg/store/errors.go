package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEmail is returned by CreateUser when the email is taken.
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrConversationNotFound is returned by CreateMessage when the parent
	// conversation does not exist, including one deleted mid-turn.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrUnavailable matches every backend failure via errors.Is.
	ErrUnavailable = errors.New("store unavailable")
)

// UnavailableError carries the failing operation and the backend cause.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}
