// Package taskpane holds the state the assistant's side panel renders: the
// busy flag, the chat transcript, and whether the Implement button is shown.
package taskpane

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/model"
)

var (
	// ErrBusy is returned when a request arrives while another is running.
	ErrBusy = eris.New("taskpane: a request is already running")
	// ErrNothingToImplement is returned when the last response had no code
	// or its code has already been applied.
	ErrNothingToImplement = eris.New("taskpane: the last response has nothing to implement")
	// ErrEmptyQuery is returned for blank input.
	ErrEmptyQuery = eris.New("taskpane: query is empty")
)

// Runner executes query cycles.
type Runner interface {
	Ask(ctx context.Context, text string) (*model.CycleResult, error)
	RunResponses(ctx context.Context, q model.Query, responses []model.ModelResponse) (*model.CycleResult, error)
}

// Role identifies who authored a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one chat entry.
type Message struct {
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	CycleID string    `json:"cycle_id,omitempty"`
	At      time.Time `json:"at"`
}

// State is a snapshot for rendering.
type State struct {
	Busy             bool      `json:"busy"`
	ImplementVisible bool      `json:"implement_visible"`
	LastCycleID      string    `json:"last_cycle_id,omitempty"`
	History          []Message `json:"history"`
}

// Pane serializes user requests against one runner.
type Pane struct {
	runner Runner
	now    func() time.Time

	mu        sync.Mutex
	busy      bool
	history   []Message
	last      *model.CycleResult
	observers []func(busy bool)
}

// New creates a pane.
func New(runner Runner) *Pane {
	return &Pane{runner: runner, now: time.Now}
}

// OnBusyChange registers fn to be called on every busy transition.
func (p *Pane) OnBusyChange(fn func(busy bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Submit runs a cycle for text. It returns ErrBusy without side effects when
// a request is already running.
func (p *Pane) Submit(ctx context.Context, text string) (*model.CycleResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if !p.acquire() {
		return nil, ErrBusy
	}
	defer p.release()

	p.append(Message{Role: RoleUser, Text: text})
	res, err := p.runner.Ask(ctx, text)
	p.record(res, err)
	return res, err
}

// Implement re-runs the candidates of the last response. A cycle that
// already succeeded is never replayed.
func (p *Pane) Implement(ctx context.Context) (*model.CycleResult, error) {
	if !p.acquire() {
		return nil, ErrBusy
	}
	defer p.release()

	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if !implementable(last) {
		return nil, ErrNothingToImplement
	}

	p.append(Message{Role: RoleSystem, Text: "Implementing changes..."})
	res, err := p.runner.RunResponses(ctx, last.Query, last.Responses)
	p.record(res, err)
	return res, err
}

// Clear drops the chat transcript and the last response.
func (p *Pane) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.last = nil
}

// Busy reports whether a request is running.
func (p *Pane) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// State returns a copy of the pane state.
func (p *Pane) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Busy:    p.busy,
		History: append([]Message(nil), p.history...),
	}
	if p.last != nil {
		s.LastCycleID = p.last.ID
		s.ImplementVisible = implementable(p.last)
	}
	return s
}

func implementable(r *model.CycleResult) bool {
	return r != nil && r.Candidates > 0 && r.Status != model.CycleSucceeded
}

func (p *Pane) acquire() bool {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return false
	}
	p.busy = true
	observers := slices.Clone(p.observers)
	p.mu.Unlock()
	notify(observers, true)
	return true
}

func (p *Pane) release() {
	p.mu.Lock()
	p.busy = false
	observers := slices.Clone(p.observers)
	p.mu.Unlock()
	notify(observers, false)
}

func notify(observers []func(bool), busy bool) {
	for _, fn := range observers {
		fn(busy)
	}
}

func (p *Pane) append(msgs ...Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		m.At = p.now()
		p.history = append(p.history, m)
	}
}

// record turns a finished cycle into chat messages.
func (p *Pane) record(res *model.CycleResult, err error) {
	if res == nil {
		msg := "Error: request failed"
		if err != nil {
			msg = "Error: " + err.Error()
		}
		zap.L().Warn("taskpane: request failed", zap.Error(err))
		p.append(Message{Role: RoleSystem, Text: msg})
		return
	}

	var msgs []Message
	if res.Analysis != "" {
		msgs = append(msgs, Message{Role: RoleAssistant, Text: res.Analysis, CycleID: res.ID})
	}
	if res.Status != model.CycleNoImplementation || res.Analysis == "" {
		msgs = append(msgs, Message{Role: RoleSystem, Text: res.Summary(), CycleID: res.ID})
	}
	p.append(msgs...)

	p.mu.Lock()
	if res.Status != model.CycleGatewayFailed {
		p.last = res
	}
	p.mu.Unlock()
}
