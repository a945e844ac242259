package errclass

import "fmt"

// RepoError is a stable, machine-readable error class.
type RepoError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RepoError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *RepoError) Is(target error) bool {
	t, ok := target.(*RepoError)
	return ok && e.Code == t.Code
}

func (e *RepoError) Unwrap() error {
	return e.Cause
}

// WithMessage returns a new RepoError with the same Code but a specific message.
func (e *RepoError) WithMessage(msg string) *RepoError {
	return &RepoError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new RepoError with a formatted message.
func (e *RepoError) WithMessagef(format string, args ...any) *RepoError {
	return &RepoError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new RepoError carrying cause, so that errors.Unwrap still
// reaches the underlying store error.
func (e *RepoError) Wrap(cause error, msg string) *RepoError {
	return &RepoError{Code: e.Code, Message: msg, Cause: cause}
}

// Lock subsystem error classes.
var (
	ErrNotLockable       = &RepoError{Code: "E_NOT_LOCKABLE"}
	ErrAlreadyLocked     = &RepoError{Code: "E_ALREADY_LOCKED"}
	ErrStaleState        = &RepoError{Code: "E_STALE_STATE"}
	ErrLockFailed        = &RepoError{Code: "E_LOCK_FAILED"}
	ErrTokenNotHeld      = &RepoError{Code: "E_TOKEN_NOT_HELD"}
	ErrTokenAlreadyHeld  = &RepoError{Code: "E_TOKEN_ALREADY_HELD"}
	ErrNotLocked         = &RepoError{Code: "E_NOT_LOCKED"}
	ErrInvalidLockToken  = &RepoError{Code: "E_INVALID_LOCK_TOKEN"}
	ErrStoreTransient    = &RepoError{Code: "E_STORE_TRANSIENT"}
	ErrPathNotFound      = &RepoError{Code: "E_PATH_NOT_FOUND"}
	ErrNameInvalid       = &RepoError{Code: "E_NAME_INVALID"}
	ErrSessionClosed     = &RepoError{Code: "E_SESSION_CLOSED"}
	ErrConfigInvalid     = &RepoError{Code: "E_CONFIG_INVALID"}
	ErrRepositoryUnknown = &RepoError{Code: "E_REPOSITORY_UNKNOWN"}
)

// Transient wraps a raw store failure so callers only ever see a RepoError.
// Errors that already carry a class are returned unchanged.
func Transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*RepoError); ok {
		return err
	}
	return ErrStoreTransient.Wrap(err, msg)
}
