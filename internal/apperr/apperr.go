// Package apperr classifies failures into the three kinds the batch worker
// reacts to: configuration, transient upstream and permanent failures.
package apperr

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind is the retry classification of an error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig: missing or malformed credentials/identifiers. Fatal for a run.
	KindConfig
	// KindTransient: upstream overload; the record goes back to unclaimed.
	KindTransient
	// KindPermanent: needs a human. The claim stands.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	stack []uintptr
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Stack renders the frames captured when the error was built.
func (e *Error) Stack() string {
	if len(e.stack) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(e.stack)
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(3, pcs)
	return &Error{
		Kind:  kind,
		Op:    op,
		Msg:   fmt.Sprintf(format, args...),
		Err:   err,
		stack: pcs[:n],
	}
}

func Config(op, format string, args ...any) *Error {
	return newError(KindConfig, op, nil, format, args...)
}

func Transient(op string, err error, format string, args ...any) *Error {
	return newError(KindTransient, op, err, format, args...)
}

func Permanent(op string, err error, format string, args ...any) *Error {
	return newError(KindPermanent, op, err, format, args...)
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsConfig(err error) bool    { return KindOf(err) == KindConfig }
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// StackOf returns the captured stack of a classified error, if any.
func StackOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stack()
	}
	return ""
}
