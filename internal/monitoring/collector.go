// Package monitoring watches recent query cycles and posts webhook alerts
// when failures or spend cross configured thresholds.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/resilience"
	"github.com/sells-group/sheet-assist/internal/store"
)

// MetricsSnapshot holds a point-in-time view of cycle health.
type MetricsSnapshot struct {
	// Cycle metrics (within lookback window).
	CyclesTotal            int     `json:"cycles_total" yaml:"cycles_total"`
	CyclesSucceeded        int     `json:"cycles_succeeded" yaml:"cycles_succeeded"`
	CyclesExhausted        int     `json:"cycles_exhausted" yaml:"cycles_exhausted"`
	CyclesNoImplementation int     `json:"cycles_no_implementation" yaml:"cycles_no_implementation"`
	CyclesGatewayFailed    int     `json:"cycles_gateway_failed" yaml:"cycles_gateway_failed"`
	FailureRate            float64 `json:"failure_rate" yaml:"failure_rate"`
	CostUSD                float64 `json:"cost_usd" yaml:"cost_usd"`
	AvgAttempts            float64 `json:"avg_attempts" yaml:"avg_attempts"`

	// Backends whose circuit breaker is currently open.
	OpenBackends []string `json:"open_backends,omitempty" yaml:"open_backends,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours" yaml:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at" yaml:"collected_at"`
}

// Finished counts cycles that reached the executor or the gateway; cycles
// where the model proposed nothing are not failures.
func (s *MetricsSnapshot) Finished() int {
	return s.CyclesSucceeded + s.CyclesExhausted + s.CyclesGatewayFailed
}

// CycleLister is the slice of the history store the collector reads.
type CycleLister interface {
	ListCycles(ctx context.Context, filter store.CycleFilter) ([]store.CycleSummary, error)
}

// BreakerStates reports the current per-backend circuit states.
type BreakerStates func() map[string]resilience.CircuitState

// Collector gathers metrics from the history store and the gateway breakers.
type Collector struct {
	store    CycleLister
	breakers BreakerStates
	pageSize int
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st CycleLister, breakers BreakerStates) *Collector {
	return &Collector{store: st, breakers: breakers, pageSize: 500, now: time.Now}
}

// Collect gathers a snapshot of cycle metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// ListCycles is ordered newest first, so paging stops at the first cycle
	// older than the window.
	var attempts int
	for offset := 0; ; offset += c.pageSize {
		page, err := c.store.ListCycles(ctx, store.CycleFilter{Limit: c.pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list cycles")
		}
		done := len(page) < c.pageSize
		for _, cy := range page {
			if cy.StartedAt.Before(cutoff) {
				done = true
				break
			}
			snap.CyclesTotal++
			snap.CostUSD += cy.CostUSD
			attempts += cy.Attempts
			switch cy.Status {
			case model.CycleSucceeded:
				snap.CyclesSucceeded++
			case model.CycleExhausted:
				snap.CyclesExhausted++
			case model.CycleNoImplementation:
				snap.CyclesNoImplementation++
			case model.CycleGatewayFailed:
				snap.CyclesGatewayFailed++
			}
		}
		if done {
			break
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.CyclesExhausted+snap.CyclesGatewayFailed) / float64(finished)
	}
	if snap.CyclesTotal > 0 {
		snap.AvgAttempts = float64(attempts) / float64(snap.CyclesTotal)
	}

	if c.breakers != nil {
		for name, state := range c.breakers() {
			if state == resilience.CircuitOpen {
				snap.OpenBackends = append(snap.OpenBackends, name)
			}
		}
		sort.Strings(snap.OpenBackends)
	}

	return snap, nil
}
