// Package executor runs validated candidates against a workbook.Host. Script
// candidates are compiled with goja and invoked with a capability-limited
// context object; command candidates are applied directly.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

// DefaultTimeout bounds one candidate's execution.
const DefaultTimeout = 30 * time.Second

// Executor runs candidates. The zero value is not usable; use New.
type Executor struct {
	timeout time.Duration
}

// New returns an executor with the given per-candidate timeout.
func New(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Execute runs c inside one host transaction. The caller must only pass
// candidates whose validation verdict passed. Every failure is reported in
// the outcome; Execute never panics.
func (e *Executor) Execute(ctx context.Context, c model.CandidateImplementation, host workbook.Host) (out model.ExecutionOutcome) {
	start := time.Now()
	out = model.ExecutionOutcome{Candidate: c, State: model.StateCompiling}
	log := zap.L().With(zap.String("candidate", c.Label()), zap.String("kind", string(c.Kind)))

	defer func() {
		if r := recover(); r != nil {
			out = e.fail(out, &ExecutionError{Err: eris.Errorf("panic: %v", r)})
		}
		out.Duration = time.Since(start)
		if out.Succeeded {
			log.Info("executor: candidate applied", zap.Duration("duration", out.Duration))
		} else {
			log.Info("executor: candidate failed",
				zap.String("state", string(out.State)),
				zap.String("error", out.Error.Message),
			)
		}
	}()

	var err error
	switch c.Kind {
	case model.CandidateCommands:
		err = e.runCommands(ctx, c.SourceCode, host)
	default:
		err = e.runScript(ctx, c.SourceCode, host)
	}
	if err != nil {
		return e.fail(out, err)
	}

	out.State = model.StateSucceeded
	out.Succeeded = true
	return out
}

func (e *Executor) fail(out model.ExecutionOutcome, err error) model.ExecutionOutcome {
	info := &model.ErrorInfo{Message: err.Error()}
	if c := out.Candidate.ExtractedFrom; c != nil {
		info.Backend = string(c.BackendID)
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		out.State = model.StateCompileFailed
		info.Kind = model.ErrorKindFormat
	} else {
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			err = &ExecutionError{Err: err}
			info.Message = err.Error()
		}
		out.State = model.StateFailed
		info.Kind = model.ErrorKindExecution
	}
	out.Succeeded = false
	out.Error = info
	return out
}
