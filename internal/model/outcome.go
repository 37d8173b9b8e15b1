package model

import (
	"time"
)

// CandidateState tracks a candidate through validation and execution.
type CandidateState string

const (
	StatePending       CandidateState = "pending"
	StateValidating    CandidateState = "validating"
	StateRejected      CandidateState = "rejected"
	StateCompiling     CandidateState = "compiling"
	StateCompileFailed CandidateState = "compile_failed"
	StateExecuting     CandidateState = "executing"
	StateSucceeded     CandidateState = "succeeded"
	StateFailed        CandidateState = "failed"
)

var transitions = map[CandidateState][]CandidateState{
	StatePending:    {StateValidating},
	StateValidating: {StateRejected, StateCompiling},
	StateCompiling:  {StateCompileFailed, StateExecuting},
	StateExecuting:  {StateSucceeded, StateFailed},
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to CandidateState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s CandidateState) IsTerminal() bool {
	switch s {
	case StateRejected, StateCompileFailed, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a recorded failure.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation_rejected"
	ErrorKindFormat     ErrorKind = "compile_format"
	ErrorKindExecution  ErrorKind = "execution"
)

// ErrorInfo is the human-readable failure attached to an outcome.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt"`
	Backend string    `json:"backend,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return e.Message
}

// ExecutionOutcome records one attempt to run a candidate.
type ExecutionOutcome struct {
	Candidate CandidateImplementation `json:"candidate"`
	State     CandidateState          `json:"state"`
	Succeeded bool                    `json:"succeeded"`
	Error     *ErrorInfo              `json:"error,omitempty"`
	Duration  time.Duration           `json:"duration"`
}
