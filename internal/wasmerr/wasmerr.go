// Package wasmerr defines the closed set of error kinds the runtime
// subsystem can surface, so every layer from the Registry up to the
// transport dispatcher classifies failures the same way.
package wasmerr

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error tokens returned to clients.
type Kind string

const (
	// Input/validation.
	KindInvalidRequest Kind = "InvalidRequest"
	KindInvalidInput   Kind = "InvalidInput"
	KindChainTooLong   Kind = "ChainTooLong"
	KindInputTooLarge  Kind = "InputTooLarge"
	KindOutputTooLarge Kind = "OutputTooLarge"

	// Registry.
	KindFileNotFound     Kind = "FileNotFound"
	KindIoError          Kind = "IoError"
	KindInvalidWasm      Kind = "InvalidWasm"
	KindCompilationError Kind = "CompilationError"
	KindBinaryNotFound   Kind = "BinaryNotFound"

	// Execution.
	KindInstantiationError Kind = "InstantiationError"
	KindImportMissing      Kind = "ImportMissing"
	KindMissingExport      Kind = "MissingExport"
	KindExecutionTimeout   Kind = "ExecutionTimeout"
	KindOutOfMemory        Kind = "OutOfMemory"
	KindOutOfFuel          Kind = "OutOfFuel"
	KindInvalidUtf8        Kind = "InvalidUtf8"
	KindRuntimeError       Kind = "RuntimeError"

	// Internal.
	KindPersistenceError Kind = "PersistenceError"
	KindCancelled        Kind = "Cancelled"
	KindInternal         Kind = "Internal"
)

// Error is a classified runtime error. Op names the operation that failed
// (e.g. "Registry.Load", "Executor.Execute") for logging; Err is the
// underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error of the same Kind, so
// errors.Is(err, wasmerr.New(wasmerr.KindX, op)) matches on kind
// regardless of Op.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New returns a classified error with no underlying cause.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap classifies an underlying error under kind.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of returns the Kind carried by err, or KindInternal if err is not (or
// does not wrap) a *Error. A nil err returns ("", false).
func Of(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindInternal, true
}

// AsWasmErr classifies any error as a *Error, defaulting to KindInternal
// for errors that are not already classified. Used at the transport
// boundary so no raw internal error text crosses the wire unclassified.
func AsWasmErr(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}
