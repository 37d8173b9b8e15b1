package model

import "github.com/rotisserie/eris"

// BackendID selects a configured model backend. Which vendor sits behind each
// slot is decided by configuration.
type BackendID string

const (
	BackendPrimary   BackendID = "primary"
	BackendSecondary BackendID = "secondary"
)

// ParseBackendID validates a backend selector.
func ParseBackendID(s string) (BackendID, error) {
	switch BackendID(s) {
	case BackendPrimary, BackendSecondary:
		return BackendID(s), nil
	case "":
		return BackendPrimary, nil
	default:
		return "", eris.Errorf("model: unknown backend %q (want primary or secondary)", s)
	}
}

// Usage tracks token consumption for one completed call.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CostUSD += o.CostUSD
}

// ModelResponse is the raw text returned by one completed gateway call.
type ModelResponse struct {
	RawText   string    `json:"raw_text"`
	BackendID BackendID `json:"backend_id"`
	Vendor    string    `json:"vendor"`
	Model     string    `json:"model"`
	Attempts  int       `json:"attempts"`
	Usage     Usage     `json:"usage"`
}
