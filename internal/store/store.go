// Package store persists query cycles so past runs can be listed and
// inspected.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sheet-assist/internal/model"
)

// ErrNotFound is returned when a cycle ID is unknown.
var ErrNotFound = eris.New("store: cycle not found")

// CycleFilter specifies criteria for listing cycles.
type CycleFilter struct {
	Status model.CycleStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// CycleSummary is one row of the history listing.
type CycleSummary struct {
	ID           string            `json:"id" yaml:"id"`
	Query        string            `json:"query" yaml:"query"`
	RangeAddress string            `json:"range_address" yaml:"range_address"`
	Status       model.CycleStatus `json:"status" yaml:"status"`
	Candidates   int               `json:"candidates" yaml:"candidates"`
	Attempts     int               `json:"attempts" yaml:"attempts"`
	LastError    string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CostUSD      float64           `json:"cost_usd" yaml:"cost_usd"`
	StartedAt    time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time         `json:"finished_at" yaml:"finished_at"`
}

// Store defines the persistence interface for cycle history.
type Store interface {
	SaveCycle(ctx context.Context, r *model.CycleResult) error
	GetCycle(ctx context.Context, id string) (*model.CycleResult, error)
	ListCycles(ctx context.Context, filter CycleFilter) ([]CycleSummary, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open returns a store for the configured driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

const defaultLimit = 100

func limitOf(f CycleFilter) int {
	if f.Limit <= 0 {
		return defaultLimit
	}
	return f.Limit
}

// cycleRow is the flattened form written to the cycles table.
type cycleRow struct {
	ID           string
	Query        string
	RangeAddress string
	Status       string
	Candidates   int
	Attempts     int
	LastError    *string
	CostUSD      float64
	Result       []byte
	StartedAt    time.Time
	FinishedAt   time.Time
}

func toRow(r *model.CycleResult) (cycleRow, error) {
	if r == nil || r.ID == "" {
		return cycleRow{}, eris.New("store: cycle has no id")
	}
	result, err := json.Marshal(r)
	if err != nil {
		return cycleRow{}, eris.Wrap(err, "store: marshal cycle")
	}
	row := cycleRow{
		ID:           r.ID,
		Query:        r.Query.Text(),
		RangeAddress: r.Query.RangeAddress(),
		Status:       string(r.Status),
		Candidates:   r.Candidates,
		Attempts:     len(r.Outcomes),
		CostUSD:      cycleCost(r),
		Result:       result,
		StartedAt:    r.StartedAt.UTC(),
		FinishedAt:   r.FinishedAt.UTC(),
	}
	if r.LastError != nil {
		msg := r.LastError.Message
		row.LastError = &msg
	}
	return row, nil
}

func cycleCost(r *model.CycleResult) float64 {
	var u model.Usage
	for _, resp := range r.Responses {
		u.Add(resp.Usage)
	}
	return u.CostUSD
}

// outcomeColumns are written once per attempt.
var outcomeColumns = []string{
	"cycle_id", "attempt", "response_index", "origin_index", "kind",
	"state", "error_kind", "error_message", "duration_ms",
}

func outcomeRows(r *model.CycleResult) [][]any {
	rows := make([][]any, 0, len(r.Outcomes))
	for i, o := range r.Outcomes {
		var kind, msg *string
		if o.Error != nil {
			k, m := string(o.Error.Kind), o.Error.Message
			kind, msg = &k, &m
		}
		rows = append(rows, []any{
			r.ID, i + 1, o.Candidate.ResponseIndex, o.Candidate.OriginIndex, string(o.Candidate.Kind),
			string(o.State), kind, msg, o.Duration.Milliseconds(),
		})
	}
	return rows
}

func decodeResult(data []byte) (*model.CycleResult, error) {
	var r model.CycleResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal cycle")
	}
	return &r, nil
}
