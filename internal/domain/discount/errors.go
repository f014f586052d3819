package discount

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrNotFound means a referenced event, attendee or look is absent or
	// inactive.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest means the request violates a business rule.
	ErrBadRequest = errors.New("bad request")
	// ErrDuplicate is reserved for conflicting creations.
	ErrDuplicate = errors.New("duplicate")
	// ErrService means an external or storage step failed after
	// validation. Local state is consistent.
	ErrService = errors.New("service error")
	// ErrCompensationFailed is an ErrService whose compensating delete also
	// failed: rows exist locally without an external counterpart and need
	// operator attention.
	ErrCompensationFailed = errors.New("compensation failed")
)

// Error is a classified engine error. Message is safe to show to callers.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Is matches the error kind. ErrCompensationFailed also matches ErrService.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrCompensationFailed && target == ErrService
}

func (e *Error) Unwrap() error { return e.Cause }

func notFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) error {
	return &Error{Kind: ErrBadRequest, Message: fmt.Sprintf(format, args...)}
}

func serviceError(cause error, format string, args ...any) error {
	return &Error{Kind: ErrService, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Message returns the caller-facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
