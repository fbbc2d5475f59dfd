// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accelerr defines the kinds of errors returned by the compilation and execution of task graphs.
//
// Every error returned to the user by the core packages can be classified with KindOf, or tested
// with errors.Is against one of the sentinels (ErrCacheMiss, ErrCompilationInternal, ...):
//
//	if errors.Is(err, accelerr.ErrDeviceUnavailable) {
//		// Pick another device ...
//	}
//
// Errors carry a stack trace (from github.com/pkg/errors), so printing them with "%+v" gives the full context.
package accelerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind of error.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors not created by this package.
	KindUnknown Kind = iota

	// CacheMiss is a lookup of a sketch that was never built: a programming error.
	CacheMiss

	// CompilationInternal means building the intermediate representation or lowering it failed.
	// It is cached as a failure for the method, and not retried automatically.
	CompilationInternal

	// ParameterShapeMismatch means the concrete arguments don't match the routine signature.
	ParameterShapeMismatch

	// ParameterFile means externally supplied shape/configuration data is malformed.
	ParameterFile

	// ClassReflection means the declared routine could not be located or introspected.
	ClassReflection

	// BackendCompilation means the backend failed to generate native code.
	BackendCompilation

	// DeviceUnavailable means the device requested for a task can't be used.
	DeviceUnavailable

	// ProfilerState means a misuse of the profiler, like stopping a timer never started.
	ProfilerState
)

var kindNames = map[Kind]string{
	KindUnknown:            "UnknownError",
	CacheMiss:              "CacheMissError",
	CompilationInternal:    "CompilationInternalError",
	ParameterShapeMismatch: "ParameterShapeMismatchError",
	ParameterFile:          "ParameterFileError",
	ClassReflection:        "ClassReflectionError",
	BackendCompilation:     "BackendCompilationError",
	DeviceUnavailable:      "DeviceUnavailableError",
	ProfilerState:          "ProfilerStateError",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type of all classified errors.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

// Sentinels to be used with errors.Is: they match any *Error of the same Kind.
var (
	ErrCacheMiss              = &Error{Kind: CacheMiss}
	ErrCompilationInternal    = &Error{Kind: CompilationInternal}
	ErrParameterShapeMismatch = &Error{Kind: ParameterShapeMismatch}
	ErrParameterFile          = &Error{Kind: ParameterFile}
	ErrClassReflection        = &Error{Kind: ClassReflection}
	ErrBackendCompilation     = &Error{Kind: BackendCompilation}
	ErrDeviceUnavailable      = &Error{Kind: DeviceUnavailable}
	ErrProfilerState          = &Error{Kind: ProfilerState}
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.msg == "" && e.cause == nil:
		return e.Kind.String()
	case e.cause == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	case e.msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Newf creates a new error of the given kind, with a stack trace.
func Newf(kind Kind, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, msg: fmt.Sprintf(format, args...)})
}

// Wrapf classifies err with the given kind, adding a message and a stack trace.
// If err is nil, it returns nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, msg: fmt.Sprintf(format, args...), cause: err})
}

// KindOf returns the kind of the first classified error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatalForMethod returns whether the error means the method can't be compiled at all,
// in which case compiled artifacts for the method should be discarded.
func IsFatalForMethod(err error) bool {
	return KindOf(err) == CompilationInternal
}
