package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, caller-visible classification of a failure.
type ErrorKind string

const (
	KindInvalidAmount      ErrorKind = "invalid_amount"
	KindDuplicateReference ErrorKind = "duplicate_reference"
	KindUnknownAccount     ErrorKind = "unknown_account"
	KindSelfTransfer       ErrorKind = "self_transfer"
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindBusy               ErrorKind = "busy"
	KindVersionConflict    ErrorKind = "version_conflict"
	KindStorage            ErrorKind = "storage"
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation"
	KindIntegrity          ErrorKind = "integrity"
)

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidAmount      = NewError(KindInvalidAmount, "amount must be a positive integer", nil)
	ErrDuplicateReference = NewError(KindDuplicateReference, "reference number already used", nil)
	ErrUnknownAccount     = NewError(KindUnknownAccount, "account not found", nil)
	ErrSelfTransfer       = NewError(KindSelfTransfer, "cannot transfer to the same account", nil)
	ErrInsufficientFunds  = NewError(KindInsufficientFunds, "insufficient balance", nil)
	ErrBusy               = NewError(KindBusy, "account is busy, retry later", nil)
	ErrVersionConflict    = NewError(KindVersionConflict, "account was modified concurrently", nil)
	ErrNotFound           = NewError(KindNotFound, "record not found", nil)
)

// KindOf extracts the kind of err. Errors that carry no kind are storage
// failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// IsRetryable is true for transient concurrency failures only.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBusy, KindVersionConflict:
		return true
	}
	return false
}
