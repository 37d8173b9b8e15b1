package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sheet-assist/internal/cost"
	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/pkg/anthropic"
	"github.com/sells-group/sheet-assist/pkg/openai"
)

// Completion is one successful backend call.
type Completion struct {
	Text  string
	Model string
	Usage model.Usage
}

// Backend is one LLM vendor. The gateway picks a backend by model.BackendID
// and never branches on the vendor itself.
type Backend interface {
	Vendor() string
	Model() string
	FormatUser(q model.Query) (string, error)
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

// ClaudeConfig configures the Claude backend.
type ClaudeConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
	CacheSystem bool
	CacheTTL    string
}

type claudeBackend struct {
	cfg    ClaudeConfig
	client anthropic.Client
}

// NewClaudeBackend returns a Claude backend. A nil client is built from the
// config on first use; a missing key is reported then as a ConfigurationError.
func NewClaudeBackend(cfg ClaudeConfig, client anthropic.Client) Backend {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if client == nil && cfg.APIKey != "" {
		opts := []anthropic.Option{anthropic.WithMaxRetries(0)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		client = anthropic.NewClient(cfg.APIKey, opts...)
	}
	return &claudeBackend{cfg: cfg, client: client}
}

func (b *claudeBackend) Vendor() string { return cost.VendorClaude }
func (b *claudeBackend) Model() string  { return b.cfg.Model }

func (b *claudeBackend) FormatUser(q model.Query) (string, error) {
	p := q.Payload()
	data, err := json.MarshalIndent(p.Data, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "gateway: encode sheet data")
	}
	meta, err := json.MarshalIndent(p.SheetMetadata, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "gateway: encode sheet metadata")
	}
	return fmt.Sprintf("Here is my query and spreadsheet data to analyze:\nQuery: %s\n\nSpreadsheet Data:\n%s\n\nRange: %s\n\nSheet Metadata:\n%s",
		p.Query, data, p.Range, meta), nil
}

func (b *claudeBackend) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if b.client == nil {
		return nil, &ConfigurationError{Vendor: b.Vendor(), Reason: "SHEET_ASSIST_ANTHROPIC_KEY is not set"}
	}

	req := anthropic.MessageRequest{
		Model:       b.cfg.Model,
		MaxTokens:   b.cfg.MaxTokens,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &b.cfg.Temperature,
	}
	if b.cfg.CacheSystem {
		req.System = anthropic.BuildCachedSystemBlocks(system, b.cfg.CacheTTL)
	} else {
		req.System = []anthropic.SystemBlock{{Text: system}}
	}

	resp, err := b.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, classify(b.Vendor(), anthropic.StatusCode(err), err)
	}
	text := resp.Text()
	if text == "" {
		return nil, &MalformedResponseError{Vendor: b.Vendor(), Err: eris.New("response has no text content")}
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = b.cfg.Model
	}
	return &Completion{
		Text:  text,
		Model: modelID,
		Usage: model.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Organization string
	Model        string
	MaxTokens    int
	Temperature  float64
}

type openAIBackend struct {
	cfg    OpenAIConfig
	client openai.Client
}

// NewOpenAIBackend returns an OpenAI backend. A nil client is built from the
// config on first use; a missing key is reported then as a ConfigurationError.
func NewOpenAIBackend(cfg OpenAIConfig, client openai.Client) Backend {
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}
	if client == nil && cfg.APIKey != "" {
		var opts []openai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Organization != "" {
			opts = append(opts, openai.WithOrganization(cfg.Organization))
		}
		client = openai.NewClient(cfg.APIKey, opts...)
	}
	return &openAIBackend{cfg: cfg, client: client}
}

func (b *openAIBackend) Vendor() string { return cost.VendorOpenAI }
func (b *openAIBackend) Model() string  { return b.cfg.Model }

func (b *openAIBackend) FormatUser(q model.Query) (string, error) {
	raw, err := json.Marshal(q.Payload())
	if err != nil {
		return "", eris.Wrap(err, "gateway: encode query payload")
	}
	return string(raw), nil
}

func (b *openAIBackend) Complete(ctx context.Context, system, user string) (*Completion, error) {
	if b.client == nil {
		return nil, &ConfigurationError{Vendor: b.Vendor(), Reason: "SHEET_ASSIST_OPENAI_KEY is not set"}
	}

	resp, err := b.client.ChatCompletion(ctx, openai.ChatRequest{
		Model:       b.cfg.Model,
		System:      system,
		User:        user,
		Temperature: float32(b.cfg.Temperature),
		MaxTokens:   b.cfg.MaxTokens,
	})
	if err != nil {
		if eris.Is(err, openai.ErrNoChoices) {
			return nil, &MalformedResponseError{Vendor: b.Vendor(), Err: err}
		}
		return nil, classify(b.Vendor(), openai.StatusCode(err), err)
	}
	if resp.Content == "" {
		return nil, &MalformedResponseError{Vendor: b.Vendor(), Err: eris.New("response has no message content")}
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = b.cfg.Model
	}
	return &Completion{
		Text:  resp.Content,
		Model: modelID,
		Usage: model.Usage{
			InputTokens:     int64(resp.Usage.PromptTokens),
			OutputTokens:    int64(resp.Usage.CompletionTokens),
			CacheReadTokens: int64(resp.Usage.CachedPromptTokens),
		},
	}, nil
}

func classify(vendor string, status int, err error) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Vendor: vendor, StatusCode: status, Err: err}
	}
	return &NetworkError{Vendor: vendor, StatusCode: status, Err: err}
}
