package gateway

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidRequest = errors.New("invalid request")
	ErrThrottled      = errors.New("request throttled")
	ErrUnavailable    = errors.New("backend unavailable")
)

type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Op       string
	Resource string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Resource != "" {
		msg += " " + e.Resource
	}

	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Temporary() bool {
	return e.Kind == Transient
}

func NewError(op string, resource string, kind Kind, err error) error {
	return &Error{
		Op:       op,
		Resource: resource,
		Kind:     kind,
		Err:      err,
	}
}

// Classify wraps err with the kind its sentinel implies. Already classified
// errors and context errors pass through untouched.
func Classify(op string, resource string, err error) error {
	if err == nil {
		return nil
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	kind := Transient
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrInvalidRequest) {
		kind = Permanent
	}

	return NewError(op, resource, kind, err)
}

func IsPermanent(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind == Permanent
	}

	return false
}

func IsTransient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind == Transient
	}

	return false
}
