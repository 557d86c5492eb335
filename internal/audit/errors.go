package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("audit trail closed")

	// ErrInvalidEvent is returned for events without a type or severity.
	ErrInvalidEvent = errors.New("invalid audit event")

	// ErrUnknownFormat is returned by Export for unsupported formats.
	ErrUnknownFormat = errors.New("unknown export format")
)

// TrailError wraps a storage failure of the audit trail.
type TrailError struct {
	Op  string
	Err error
}

func (e *TrailError) Error() string {
	return fmt.Sprintf("audit %s: %v", e.Op, e.Err)
}

func (e *TrailError) Unwrap() error { return e.Err }

func trailErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TrailError
	if errors.As(err, &te) {
		return err
	}
	return &TrailError{Op: op, Err: err}
}
