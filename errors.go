package echolink

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable code carried by every error echolink returns.
type ErrorKind string

const (
	KindInit           ErrorKind = "ERROR_INIT"
	KindPush           ErrorKind = "ERROR_PUSH"
	KindAuthentication ErrorKind = "ERROR_AUTHENTICATION"
	KindSpeak          ErrorKind = "ERROR_SPEAK"
	KindCommand        ErrorKind = "ERROR_COMMAND"
	KindRoutine        ErrorKind = "ERROR_ROUTINE"
	KindNotification   ErrorKind = "ERROR_NOTIFICATION"
	KindDisplaySetting ErrorKind = "ERROR_DISPLAY_SETTING"
	KindVolume         ErrorKind = "ERROR_VOLUME"
	KindPlayback       ErrorKind = "ERROR_PLAYBACK"
	KindValidation     ErrorKind = "ERROR_VALIDATION"
	KindInvalidSerial  ErrorKind = "INVALID_SERIAL"
	KindNotSupported   ErrorKind = "ERROR_NOT_SUPPORTED"
	KindTimeout        ErrorKind = "ERROR_TIMEOUT"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its kind.
var (
	ErrInit           = &Error{Kind: KindInit}
	ErrPush           = &Error{Kind: KindPush}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrSpeak          = &Error{Kind: KindSpeak}
	ErrCommand        = &Error{Kind: KindCommand}
	ErrRoutine        = &Error{Kind: KindRoutine}
	ErrNotification   = &Error{Kind: KindNotification}
	ErrDisplaySetting = &Error{Kind: KindDisplaySetting}
	ErrVolume         = &Error{Kind: KindVolume}
	ErrPlayback       = &Error{Kind: KindPlayback}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrInvalidSerial  = &Error{Kind: KindInvalidSerial}
	ErrNotSupported   = &Error{Kind: KindNotSupported}
	ErrTimeout        = &Error{Kind: KindTimeout}
)

// Error wraps a failure with its kind and the original cause. Callers never see
// raw vendor errors, only an *Error whose Err holds them.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
	// LoginURL is set on initialization failures that need a fresh login.
	LoginURL string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.LoginURL != "" {
		msg += " (login at " + e.LoginURL + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Wrap tags err with kind. An err that already is an *Error is returned as is.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthFailure reports whether dependent devices should be marked unavailable.
func IsAuthFailure(err error) bool {
	switch KindOf(err) {
	case KindInit, KindPush, KindAuthentication:
		return true
	}
	return false
}

// LoginURLOf returns the login URL carried by err, if any.
func LoginURLOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.LoginURL
	}
	return ""
}
