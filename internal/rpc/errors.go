// Package rpc invokes workers through their process adapters and maps
// every failure mode into a small, typed error taxonomy the supervisor
// can act on.
package rpc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a worker call failure.
type ErrorKind string

const (
	// KindUnavailable means the worker could not be spawned or its process
	// disappeared mid-call.
	KindUnavailable ErrorKind = "worker_unavailable"
	// KindTimeout means the call exceeded its deadline and the worker
	// process was killed.
	KindTimeout ErrorKind = "worker_timeout"
	// KindProtocol means the worker replied with bytes that violate the
	// wire contract.
	KindProtocol ErrorKind = "worker_protocol_error"
	// KindExecution means the worker itself reported a failure.
	KindExecution ErrorKind = "worker_execution_error"
)

// WorkerError is a classified worker call failure.
type WorkerError struct {
	// Kind is the failure class.
	Kind ErrorKind
	// Worker names the worker that failed.
	Worker string
	// Err is the underlying cause, if any.
	Err error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: worker %s: %v", e.Kind, e.Worker, e.Err)
	}
	return fmt.Sprintf("%s: worker %s", e.Kind, e.Worker)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// KindOf returns the error's kind, or "" if err is not a WorkerError.
func KindOf(err error) ErrorKind {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Kind
	}
	return ""
}

// Retryable reports whether the failure class permits a retry of the call.
// Timeouts and execution errors may be retried once for idempotent workers;
// protocol errors and unavailability never are.
func Retryable(kind ErrorKind) bool {
	return kind == KindTimeout || kind == KindExecution
}
