// Package queryerr defines the error taxonomy returned by every engine operation.
package queryerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindUnknownField     Kind = "UnknownField"
	KindUnknownEntity    Kind = "UnknownEntity"
	KindTypeMismatch     Kind = "TypeMismatch"
	KindUniqueConstraint Kind = "UniqueConstraintViolation"
	KindForeignKey       Kind = "ForeignKeyViolation"
	KindRecordNotFound   Kind = "RecordNotFound"
	KindCursorNotFound   Kind = "CursorNotFound"
)

// Origin records which layer detected a constraint failure.
type Origin string

const (
	OriginNone    Origin = ""
	OriginLocal   Origin = "local"
	OriginStorage Origin = "storage"
)

// Error is the concrete error type for all engine failures.
type Error struct {
	Kind    Kind
	Entity  string
	Field   string
	Fields  []string
	Message string
	Origin  Origin
	Err     error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrUnknownField     = &Error{Kind: KindUnknownField}
	ErrUnknownEntity    = &Error{Kind: KindUnknownEntity}
	ErrTypeMismatch     = &Error{Kind: KindTypeMismatch}
	ErrUniqueConstraint = &Error{Kind: KindUniqueConstraint}
	ErrForeignKey       = &Error{Kind: KindForeignKey}
	ErrRecordNotFound   = &Error{Kind: KindRecordNotFound}
	ErrCursorNotFound   = &Error{Kind: KindCursorNotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Entity != "" {
		b.WriteString(" on ")
		b.WriteString(e.Entity)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		} else if len(e.Fields) > 0 {
			b.WriteString("(")
			b.WriteString(strings.Join(e.Fields, ", "))
			b.WriteString(")")
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

// OriginOf returns the origin of the first *Error in err's chain.
func OriginOf(err error) Origin {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Origin
	}
	return OriginNone
}

func Validation(entity, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

func UnknownField(entity, field string) *Error {
	return &Error{Kind: KindUnknownField, Entity: entity, Field: field, Message: "unknown field"}
}

func UnknownEntity(name string) *Error {
	return &Error{Kind: KindUnknownEntity, Message: fmt.Sprintf("unknown entity %q", name)}
}

func TypeMismatch(entity, field string, err error) *Error {
	return &Error{Kind: KindTypeMismatch, Entity: entity, Field: field, Err: err}
}

func UniqueViolation(entity string, fields []string, origin Origin) *Error {
	return &Error{
		Kind:    KindUniqueConstraint,
		Entity:  entity,
		Fields:  append([]string(nil), fields...),
		Message: "unique constraint failed",
		Origin:  origin,
	}
}

func ForeignKey(entity, field, message string, origin Origin) *Error {
	return &Error{Kind: KindForeignKey, Entity: entity, Field: field, Message: message, Origin: origin}
}

func NotFound(entity, message string) *Error {
	return &Error{Kind: KindRecordNotFound, Entity: entity, Message: message}
}

func CursorNotFound(entity string) *Error {
	return &Error{Kind: KindCursorNotFound, Entity: entity, Message: "cursor does not resolve to a row"}
}

// Storage wraps a driver error that could not be classified, keeping the storage origin.
func Storage(entity string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	return fmt.Errorf("storage error on %s: %w", entity, err)
}
