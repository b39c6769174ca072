// Package apperr defines the domain error taxonomy shared by the engine
// services. Every error carries a Kind (used for errors.Is matching and
// HTTP status mapping), a stable Code, a human-readable Message and a
// structured Details payload for logs.
package apperr

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindExperimentNotActive  Kind = "experiment_not_active"
	KindNoVariants           Kind = "no_variants_configured"
	KindInvalidTransition    Kind = "invalid_transition"
	KindConcurrentUpdate     Kind = "concurrent_update"
	KindQueueFull            Kind = "queue_full"
	KindTransient            Kind = "transient_store_error"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrExperimentNotActive  = &Error{Kind: KindExperimentNotActive}
	ErrNoVariants           = &Error{Kind: KindNoVariants}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrConcurrentUpdate     = &Error{Kind: KindConcurrentUpdate}
	ErrQueueFull            = &Error{Kind: KindQueueFull}
	ErrTransient            = &Error{Kind: KindTransient}
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// New builds a domain error.
func New(kind Kind, code, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

// Wrap builds a domain error around a cause.
func Wrap(kind Kind, code, message string, err error, details map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details, Err: err}
}

// NotFound reports a missing entity, e.g. NotFound("experiment", id).
func NotFound(entity, id string) *Error {
	return New(KindNotFound, upper(entity)+"_NOT_FOUND",
		fmt.Sprintf("%s %s not found", entity, id),
		map[string]any{"entity": entity, "id": id})
}

// Invalid reports a configuration or request that cannot be accepted.
func Invalid(code, message string, details map[string]any) *Error {
	return New(KindInvalidConfiguration, code, message, details)
}

// Validation converts struct-tag validation failures into a single
// INVALID_REQUEST error listing each failed field.
func Validation(err error) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return Wrap(KindInvalidConfiguration, "INVALID_REQUEST", "invalid request", err, nil)
	}
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	first := verrs[0]
	return Invalid("INVALID_REQUEST",
		fmt.Sprintf("%s failed %q validation", first.Namespace(), first.Tag()),
		map[string]any{"fields": fields})
}

// Transient wraps a store failure. The engine never retries these; they
// are returned to the caller unchanged apart from the op context.
func Transient(op string, err error) *Error {
	return Wrap(KindTransient, "STORE_ERROR", op, err, map[string]any{"op": op})
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 32
		case c == ' ' || c == '-':
			b[i] = '_'
		}
	}
	return string(b)
}
