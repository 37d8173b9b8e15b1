package executor

import "fmt"

// FormatError reports a candidate that could not be compiled into the
// expected entry point: a single-parameter async function.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid implementation format: %s: %v", e.Reason, e.Err)
	}
	return "invalid implementation format: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// ExecutionError wraps anything that went wrong while a compiled candidate
// ran: a thrown exception, a rejected or unsettled promise, a timeout, a
// failed sync, or a recovered panic.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return "execution failed: " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }
