// Package orchestrator drives one query cycle: fan out to the model, extract
// candidates, and validate then execute them in order until one succeeds.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/gateway"
	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/parser"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

// Gateway fetches model responses for a query.
type Gateway interface {
	FanOut(ctx context.Context, q model.Query, id model.BackendID, n int) ([]model.ModelResponse, error)
}

// Validator statically checks a candidate.
type Validator interface {
	Validate(c model.CandidateImplementation) model.ValidationVerdict
}

// Executor runs a validated candidate against the host.
type Executor interface {
	Execute(ctx context.Context, c model.CandidateImplementation, host workbook.Host) model.ExecutionOutcome
}

// Recorder persists finished cycles.
type Recorder interface {
	SaveCycle(ctx context.Context, r *model.CycleResult) error
}

// ExhaustedError reports that every candidate was rejected or failed.
type ExhaustedError struct {
	Attempts int
	Last     *model.ErrorInfo
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("all %d implementation attempts failed", e.Attempts)
	}
	return fmt.Sprintf("all %d implementation attempts failed; last error: %s", e.Attempts, e.Last.Message)
}

// Config selects the backend and how many responses to request per cycle.
type Config struct {
	Backend    model.BackendID
	Candidates int
}

// Orchestrator runs query cycles against one host.
type Orchestrator struct {
	cfg      Config
	gw       Gateway
	val      Validator
	exec     Executor
	host     workbook.Host
	recorder Recorder
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists every finished cycle.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an orchestrator.
func New(cfg Config, gw Gateway, val Validator, exec Executor, host workbook.Host, opts ...Option) *Orchestrator {
	if cfg.Backend == "" {
		cfg.Backend = model.BackendPrimary
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 5
	}
	o := &Orchestrator{cfg: cfg, gw: gw, val: val, exec: exec, host: host, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Host returns the document the orchestrator edits.
func (o *Orchestrator) Host() workbook.Host { return o.host }

// Ask snapshots the host's used range and runs a cycle for text.
func (o *Orchestrator) Ask(ctx context.Context, text string) (*model.CycleResult, error) {
	values, addr, err := o.host.UsedRange(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: read used range")
	}
	return o.Run(ctx, model.NewQuery(text, values, addr))
}

// Run fetches responses for q and executes the first candidate that passes
// validation and runs cleanly. A gateway failure ends the cycle with status
// gateway_failed; a ConfigurationError is returned unchanged.
func (o *Orchestrator) Run(ctx context.Context, q model.Query) (*model.CycleResult, error) {
	res := o.begin(q)

	responses, err := o.gw.FanOut(ctx, q, o.cfg.Backend, o.cfg.Candidates)
	if err != nil {
		res.Status = model.CycleGatewayFailed
		res.LastError = &model.ErrorInfo{Message: err.Error(), Backend: string(o.cfg.Backend)}
		o.finish(ctx, res)
		if gateway.IsConfigurationError(err) {
			return res, err
		}
		return res, eris.Wrap(err, "orchestrator: no model response")
	}
	return o.execute(ctx, res, responses)
}

// RunResponses executes candidates from responses fetched earlier.
func (o *Orchestrator) RunResponses(ctx context.Context, q model.Query, responses []model.ModelResponse) (*model.CycleResult, error) {
	return o.execute(ctx, o.begin(q), responses)
}

func (o *Orchestrator) begin(q model.Query) *model.CycleResult {
	return &model.CycleResult{
		ID:        uuid.NewString(),
		Query:     q,
		StartedAt: o.now(),
	}
}

func (o *Orchestrator) finish(ctx context.Context, res *model.CycleResult) {
	res.FinishedAt = o.now()
	zap.L().Info("orchestrator: cycle finished",
		zap.String("cycle_id", res.ID),
		zap.String("status", string(res.Status)),
		zap.Int("responses", len(res.Responses)),
		zap.Int("candidates", res.Candidates),
		zap.Int("attempts", len(res.Outcomes)),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveCycle(context.WithoutCancel(ctx), res); err != nil {
		zap.L().Warn("orchestrator: failed to record cycle", zap.String("cycle_id", res.ID), zap.Error(err))
	}
}

// execute iterates candidates in response order, then extraction order.
func (o *Orchestrator) execute(ctx context.Context, res *model.CycleResult, responses []model.ModelResponse) (*model.CycleResult, error) {
	res.Responses = append([]model.ModelResponse(nil), responses...)

	var candidates []model.CandidateImplementation
	for i := range res.Responses {
		for _, c := range parser.Extract(&res.Responses[i]) {
			c.ResponseIndex = i
			candidates = append(candidates, c)
		}
	}
	if len(res.Responses) > 0 {
		res.Analysis = parser.Analysis(res.Responses[0].RawText)
	}
	res.Candidates = len(candidates)

	if len(candidates) == 0 {
		res.Status = model.CycleNoImplementation
		o.finish(ctx, res)
		return res, nil
	}

	for i, c := range candidates {
		attempt := i + 1
		log := zap.L().With(zap.String("cycle_id", res.ID), zap.Int("attempt", attempt), zap.String("candidate", c.Label()))

		if err := ctx.Err(); err != nil {
			log.Info("orchestrator: cycle cancelled", zap.Error(err))
			break
		}

		verdict := o.val.Validate(c)
		if !verdict.Passed {
			res.Outcomes = append(res.Outcomes, model.ExecutionOutcome{
				Candidate: c,
				State:     model.StateRejected,
				Error: &model.ErrorInfo{
					Kind:    model.ErrorKindValidation,
					Message: "rejected by safety check: " + verdict.ViolatedPattern,
					Attempt: attempt,
					Backend: backendOf(c),
				},
			})
			continue
		}

		out := o.exec.Execute(ctx, c, o.host)
		if out.Error != nil {
			out.Error.Attempt = attempt
			if out.Error.Backend == "" {
				out.Error.Backend = backendOf(c)
			}
		}
		res.Outcomes = append(res.Outcomes, out)
		if out.Succeeded {
			res.Status = model.CycleSucceeded
			o.finish(ctx, res)
			return res, nil
		}
		log.Info("orchestrator: falling back to next candidate", zap.String("state", string(out.State)))
	}

	res.Status = model.CycleExhausted
	if n := len(res.Outcomes); n > 0 {
		res.LastError = res.Outcomes[n-1].Error
	}
	if err := ctx.Err(); err != nil && res.LastError == nil {
		res.LastError = &model.ErrorInfo{Kind: model.ErrorKindExecution, Message: err.Error()}
	}
	o.finish(ctx, res)
	return res, &ExhaustedError{Attempts: len(res.Outcomes), Last: res.LastError}
}

func backendOf(c model.CandidateImplementation) string {
	if c.ExtractedFrom == nil {
		return ""
	}
	return string(c.ExtractedFrom.BackendID)
}
