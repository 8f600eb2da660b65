package chatsync

import (
	"errors"
	"fmt"
)

// Code classifies engine errors.
type Code string

const (
	CodeInvalidParticipant Code = "INVALID_PARTICIPANT"
	CodeInvalidContext     Code = "INVALID_CONTEXT"
	CodeEmptyMessage       Code = "EMPTY_MESSAGE"
	CodePersistence        Code = "PERSISTENCE_FAILURE"
	CodeChannel            Code = "CHANNEL_FAILURE"
	CodeDuplicate          Code = "DUPLICATE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeClosed             Code = "CLOSED"
)

// Error is the error type returned by the engine and its store adapters.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidParticipant = &Error{Code: CodeInvalidParticipant, Message: "invalid participant"}
	ErrInvalidContext     = &Error{Code: CodeInvalidContext, Message: "invalid context"}
	ErrEmptyMessage       = &Error{Code: CodeEmptyMessage, Message: "message body is empty"}
	ErrPersistence        = &Error{Code: CodePersistence, Message: "persistence failure"}
	ErrChannel            = &Error{Code: CodeChannel, Message: "realtime channel failure"}
	ErrDuplicate          = &Error{Code: CodeDuplicate, Message: "duplicate key"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrClosed             = &Error{Code: CodeClosed, Message: "session closed"}
)

// E wraps cause with code and the failing operation name.
func E(code Code, op string, cause error) error {
	return &Error{Code: code, Op: op, Err: cause}
}

// Errorf builds an error with a formatted message.
func Errorf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}
