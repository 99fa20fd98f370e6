package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoHandlers        = errors.New("at least one message handler is required")
	ErrDuplicateHandler  = errors.New("duplicate message handler")
	ErrEmptyHandlerType  = errors.New("message handler type is empty")
	ErrNilHandler        = errors.New("message handler function is nil")
	ErrDisposed          = errors.New("session manager disposed")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrInvalidPingConfig = errors.New("ping timeout requires a heartbeat interval")
	ErrBackupsDisabled   = errors.New("backups are not configured")
)

// Kind classifies an error reported by the manager.
type Kind string

const (
	KindSend        Kind = "send"
	KindDecode      Kind = "decode"
	KindValidation  Kind = "validation"
	KindMiddleware  Kind = "middleware"
	KindHandler     Kind = "handler"
	KindPersistence Kind = "persistence"
)

// Error is what the manager hands to Hooks.OnError.
type Error struct {
	Kind   Kind
	ConnID string
	Err    error
}

func (e *Error) Error() string {
	if e.ConnID != "" {
		return fmt.Sprintf("%s error on connection %s: %v", e.Kind, e.ConnID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
