package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure kinds the worker pool handles.
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient"
	KindNotFound           ErrorKind = "not_found"
	KindInvalid            ErrorKind = "invalid"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
)

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindTransient, KindNotFound, KindInvalid, KindStorageUnavailable:
		return true
	}
	return false
}

// Retryable reports whether the pool may schedule another lookup attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

var (
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrConfiguration      = errors.New("configuration error")
	ErrQueueEmpty         = errors.New("queue empty")
	ErrRecordNotFound     = errors.New("record not found")
	ErrLeaseLost          = errors.New("lease lost")
)

// LookupError is returned by resolvers and classifies the failure.
type LookupError struct {
	Kind       ErrorKind
	Identifier string
	Message    string
	Err        error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lookup %s [%s]: %s: %v", e.Identifier, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("lookup %s [%s]: %s", e.Identifier, e.Kind, e.Message)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// NewLookupError builds a classified lookup failure.
func NewLookupError(kind ErrorKind, identifier, message string, err error) *LookupError {
	return &LookupError{Kind: kind, Identifier: identifier, Message: message, Err: err}
}

// KindOf classifies err. Unclassified errors count as transient.
func KindOf(err error) ErrorKind {
	var le *LookupError
	switch {
	case errors.As(err, &le):
		return le.Kind
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrInvalidIdentifier):
		return KindInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	return KindTransient
}

// Unavailable wraps a storage failure so callers can match ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
