package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]CandidateState{
		{StatePending, StateValidating},
		{StateValidating, StateRejected},
		{StateValidating, StateCompiling},
		{StateCompiling, StateCompileFailed},
		{StateCompiling, StateExecuting},
		{StateExecuting, StateSucceeded},
		{StateExecuting, StateFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]CandidateState{
		{StatePending, StateExecuting},
		{StateRejected, StateCompiling},
		{StateValidating, StateSucceeded},
		{StateSucceeded, StateFailed},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestCandidateState_IsTerminal(t *testing.T) {
	for _, s := range []CandidateState{StateRejected, StateCompileFailed, StateSucceeded, StateFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []CandidateState{StatePending, StateValidating, StateCompiling, StateExecuting} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestParseBackendID(t *testing.T) {
	id, err := ParseBackendID("secondary")
	require.NoError(t, err)
	assert.Equal(t, BackendSecondary, id)

	id, err = ParseBackendID("")
	require.NoError(t, err)
	assert.Equal(t, BackendPrimary, id)

	_, err = ParseBackendID("gpt4")
	assert.ErrorContains(t, err, "unknown backend")
}

func TestCandidate_Label(t *testing.T) {
	c := CandidateImplementation{
		OriginIndex:   1,
		ResponseIndex: 2,
		ExtractedFrom: &ModelResponse{BackendID: BackendPrimary, Vendor: "claude"},
	}
	assert.Equal(t, "primary/claude response 3 block 2", c.Label())

	assert.Equal(t, "unknown response 1 block 1", CandidateImplementation{}.Label())
}

func TestCycleResult_Summary(t *testing.T) {
	cand := CandidateImplementation{ExtractedFrom: &ModelResponse{BackendID: BackendPrimary, Vendor: "openai"}}

	ok := &CycleResult{
		Status:     CycleSucceeded,
		Candidates: 3,
		Outcomes: []ExecutionOutcome{
			{Candidate: cand, State: StateFailed},
			{Candidate: cand, State: StateSucceeded, Succeeded: true},
		},
	}
	assert.True(t, ok.Succeeded())
	assert.Equal(t, "Implementation complete (attempt 2 of 3, primary/openai response 1 block 1).", ok.Summary())

	exhausted := &CycleResult{
		Status:    CycleExhausted,
		Outcomes:  []ExecutionOutcome{{State: StateRejected}, {State: StateFailed}},
		LastError: &ErrorInfo{Kind: ErrorKindExecution, Message: "boom", Attempt: 2, Backend: "primary/openai"},
	}
	_, won := exhausted.Winner()
	assert.False(t, won)
	assert.Equal(t, "All 2 implementation attempts failed; last error (attempt 2, primary/openai): boom.", exhausted.Summary())

	none := &CycleResult{Status: CycleNoImplementation}
	assert.Contains(t, none.Summary(), "analysis only")

	gw := &CycleResult{Status: CycleGatewayFailed, LastError: &ErrorInfo{Message: "gateway: openai failed after 3 attempts"}}
	assert.Equal(t, "Error: gateway: openai failed after 3 attempts", gw.Summary())
}
