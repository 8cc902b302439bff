// Package skerr provides error wrapping that records the call site where the
// error was wrapped or created, so the log line "Failed to open DB" can be
// traced back through the layers that passed the error up.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

func callAt(depth int) StackTrace {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return StackTrace{File: "???", Line: 0}
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return StackTrace{File: file, Line: line}
}

// ErrorWithContext is an error plus the call sites that created and wrapped
// it.
type ErrorWithContext struct {
	// Wrapped is the original error, nil when the error was created with Fmt.
	Wrapped error

	// Message is an additional message prepended to the wrapped error, if any.
	Message string

	// CallStack records where the error was created/wrapped, innermost first.
	CallStack []StackTrace
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	if e.Message != "" {
		sb.WriteString(e.Message)
	}
	if e.Wrapped != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Wrapped.Error())
	}
	if len(e.CallStack) > 0 {
		sites := make([]string, 0, len(e.CallStack))
		for _, st := range e.CallStack {
			sites = append(sites, st.String())
		}
		sb.WriteString(" At ")
		sb.WriteString(strings.Join(sites, " "))
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

// Fmt creates a new error with a formatted message and the call site.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Message:   fmt.Sprintf(format, args...),
		CallStack: []StackTrace{callAt(1)},
	}
}

// Wrap adds the call site to err. Returns nil when err is nil. If err is
// already an ErrorWithContext the call site is appended rather than nesting
// another wrapper.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if ewc, ok := err.(*ErrorWithContext); ok {
		ewc.CallStack = append(ewc.CallStack, callAt(1))
		return ewc
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: []StackTrace{callAt(1)},
	}
}

// Wrapf prepends a formatted message to err along with the call site. Returns
// nil when err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Wrapped:   err,
		Message:   fmt.Sprintf(format, args...),
		CallStack: []StackTrace{callAt(1)},
	}
}

// Unwrap returns the innermost non-ErrorWithContext error, for callers that
// need the root cause (e.g. to compare against sql.ErrNoRows).
func Unwrap(err error) error {
	for {
		ewc, ok := err.(*ErrorWithContext)
		if !ok || ewc.Wrapped == nil {
			return err
		}
		err = ewc.Wrapped
	}
}
