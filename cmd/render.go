package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/sheet-assist/internal/model"
)

// cycleReport is the printable form of a cycle.
type cycleReport struct {
	ID       string          `json:"id" yaml:"id"`
	Status   string          `json:"status" yaml:"status"`
	Summary  string          `json:"summary" yaml:"summary"`
	Analysis string          `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	CostUSD  float64         `json:"cost_usd" yaml:"cost_usd"`
	Attempts []attemptReport `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

type attemptReport struct {
	Attempt   int    `json:"attempt" yaml:"attempt"`
	Candidate string `json:"candidate" yaml:"candidate"`
	State     string `json:"state" yaml:"state"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  string `json:"duration" yaml:"duration"`
}

func newCycleReport(r *model.CycleResult) cycleReport {
	rep := cycleReport{
		ID:       r.ID,
		Status:   string(r.Status),
		Summary:  r.Summary(),
		Analysis: r.Analysis,
	}
	for _, resp := range r.Responses {
		rep.CostUSD += resp.Usage.CostUSD
	}
	for i, o := range r.Outcomes {
		a := attemptReport{
			Attempt:   i + 1,
			Candidate: o.Candidate.Label(),
			State:     string(o.State),
			Duration:  o.Duration.String(),
		}
		if o.Error != nil {
			a.Error = o.Error.Message
		}
		rep.Attempts = append(rep.Attempts, a)
	}
	return rep
}

// render writes v as text, json, or yaml. text uses textFn.
func render(w io.Writer, format string, v any, textFn func(io.Writer) error) error {
	switch strings.ToLower(format) {
	case "", "text":
		return textFn(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unknown output format %q (want text, json, or yaml)", format)
	}
}

func renderCycle(w io.Writer, format string, r *model.CycleResult) error {
	rep := newCycleReport(r)
	return render(w, format, rep, func(w io.Writer) error {
		if rep.Analysis != "" {
			fmt.Fprintf(w, "%s\n\n", rep.Analysis)
		}
		for _, a := range rep.Attempts {
			line := fmt.Sprintf("  #%d %-32s %-14s %s", a.Attempt, a.Candidate, a.State, a.Duration)
			if a.Error != "" {
				line += "  " + a.Error
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w, rep.Summary)
		if rep.CostUSD > 0 {
			fmt.Fprintf(w, "Estimated cost: $%.4f\n", rep.CostUSD)
		}
		return nil
	})
}
