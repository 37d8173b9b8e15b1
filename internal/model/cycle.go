package model

import (
	"fmt"
	"time"
)

// CycleStatus is the overall result of one query cycle.
type CycleStatus string

const (
	CycleSucceeded        CycleStatus = "succeeded"
	CycleExhausted        CycleStatus = "exhausted"
	CycleNoImplementation CycleStatus = "no_implementation"
	CycleGatewayFailed    CycleStatus = "gateway_failed"
)

// CycleResult is everything one query cycle produced.
type CycleResult struct {
	ID         string             `json:"id"`
	Query      Query              `json:"query"`
	Responses  []ModelResponse    `json:"responses"`
	Candidates int                `json:"candidates"`
	Outcomes   []ExecutionOutcome `json:"outcomes"`
	Status     CycleStatus        `json:"status"`
	Analysis   string             `json:"analysis,omitempty"`
	LastError  *ErrorInfo         `json:"last_error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Succeeded reports whether a candidate was applied.
func (r *CycleResult) Succeeded() bool {
	return r.Status == CycleSucceeded
}

// Winner returns the successful outcome, if any.
func (r *CycleResult) Winner() (ExecutionOutcome, bool) {
	if n := len(r.Outcomes); n > 0 && r.Outcomes[n-1].Succeeded {
		return r.Outcomes[n-1], true
	}
	return ExecutionOutcome{}, false
}

// Summary renders the result for display in the taskpane.
func (r *CycleResult) Summary() string {
	switch r.Status {
	case CycleSucceeded:
		w, _ := r.Winner()
		return fmt.Sprintf("Implementation complete (attempt %d of %d, %s).",
			len(r.Outcomes), r.Candidates, w.Candidate.Label())
	case CycleNoImplementation:
		return "No implementation found; the response is analysis only."
	case CycleGatewayFailed:
		if r.LastError != nil {
			return "Error: " + r.LastError.Message
		}
		return "Error: no model response received."
	case CycleExhausted:
		msg := fmt.Sprintf("All %d implementation attempts failed", len(r.Outcomes))
		if r.LastError != nil {
			msg += fmt.Sprintf("; last error (attempt %d", r.LastError.Attempt)
			if r.LastError.Backend != "" {
				msg += ", " + r.LastError.Backend
			}
			msg += "): " + r.LastError.Message
		}
		return msg + "."
	default:
		return string(r.Status)
	}
}
