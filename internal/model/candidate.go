package model

import "fmt"

// CandidateKind distinguishes free-text script blocks from the structured
// command set.
type CandidateKind string

const (
	CandidateScript   CandidateKind = "script"
	CandidateCommands CandidateKind = "commands"
)

// CandidateImplementation is one extracted, not-yet-validated unit of code.
type CandidateImplementation struct {
	SourceCode    string         `json:"source_code"`
	Kind          CandidateKind  `json:"kind"`
	OriginIndex   int            `json:"origin_index"`
	ResponseIndex int            `json:"response_index"`
	ExtractedFrom *ModelResponse `json:"-"`
}

// Label identifies the candidate in logs and summaries.
func (c CandidateImplementation) Label() string {
	backend := "unknown"
	if c.ExtractedFrom != nil {
		backend = string(c.ExtractedFrom.BackendID)
		if c.ExtractedFrom.Vendor != "" {
			backend += "/" + c.ExtractedFrom.Vendor
		}
	}
	return fmt.Sprintf("%s response %d block %d", backend, c.ResponseIndex+1, c.OriginIndex+1)
}

// ValidationVerdict is the result of a static safety check.
type ValidationVerdict struct {
	Candidate       CandidateImplementation `json:"candidate"`
	Passed          bool                    `json:"passed"`
	ViolatedPattern string                  `json:"violated_pattern,omitempty"`
}
