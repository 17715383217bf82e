package broadcast

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrMessageTooLong  = errors.New("message text is too long")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// ValidationError is a request the caller got wrong. Its text is meant to
// be shown to the requester as is.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, detail string) error {
	return &ValidationError{Err: err, Detail: detail}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
