package billing

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure. Callers branch on kind, never on message.
type Kind string

const (
	KindInvalidState   Kind = "invalid_state_transition"
	KindValidation     Kind = "validation_failure"
	KindOverallocation Kind = "overallocation"
	KindExceedsBalance Kind = "exceeds_balance"
	KindNotFound       Kind = "not_found"
)

// Sentinels for errors.Is.
var (
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrOverallocation = &Error{Kind: KindOverallocation}
	ErrExceedsBalance = &Error{Kind: KindExceedsBalance}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// ErrVersionConflict means the entity changed since it was read. It is a
// storage condition, not a domain failure, so it carries no Kind.
var ErrVersionConflict = errors.New("entity was modified concurrently")

// Error is the typed failure returned by every core operation.
type Error struct {
	Kind   Kind
	Entity string // "claim", "payment", "adjustment", "policy"
	ID     string
	Msg    string
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Entity != "" && e.ID != "":
		prefix = fmt.Sprintf("%s %s: ", e.Entity, e.ID)
	case e.Entity != "":
		prefix = e.Entity + ": "
	}
	if e.Msg == "" {
		return prefix + string(e.Kind)
	}
	return prefix + e.Msg
}

// Is matches on kind so errors.Is(err, ErrValidation) works for any validation error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a domain error, or "" for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalidState(entity, id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Entity: entity, ID: id, Msg: fmt.Sprintf(format, args...)}
}

func validation(entity, id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Entity: entity, ID: id, Msg: fmt.Sprintf(format, args...)}
}

func overallocation(id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindOverallocation, Entity: "payment", ID: id, Msg: fmt.Sprintf(format, args...)}
}

func exceedsBalance(entity, id, format string, args ...interface{}) *Error {
	return &Error{Kind: KindExceedsBalance, Entity: entity, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds the error repositories return for a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Msg: "not found"}
}
