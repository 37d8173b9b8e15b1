// Package openai wraps github.com/sashabaranov/go-openai behind the small
// chat-completion surface the gateway needs.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	sdk "github.com/sashabaranov/go-openai"
)

const defaultModel = "gpt-4"

// ErrNoChoices is returned when a completion carries no message.
var ErrNoChoices = eris.New("openai: response has no choices")

// Client performs chat completions against the OpenAI API.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is one system + user exchange.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// ChatResponse is our own response type from ChatCompletion.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage reports token consumption. CachedPromptTokens is a subset of
// PromptTokens.
type Usage struct {
	PromptTokens       int
	CompletionTokens   int
	CachedPromptTokens int
}

// Option configures the client.
type Option func(*sdk.ClientConfig)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *sdk.ClientConfig) {
		c.BaseURL = url
	}
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(c *sdk.ClientConfig) {
		c.OrgID = org
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *sdk.ClientConfig) {
		c.HTTPClient = hc
	}
}

type sdkClient struct {
	client *sdk.Client
}

// NewClient creates a new OpenAI client backed by go-openai.
func NewClient(apiKey string, opts ...Option) Client {
	cfg := sdk.DefaultConfig(apiKey)
	for _, o := range opts {
		o(&cfg)
	}
	return &sdkClient{client: sdk.NewClientWithConfig(cfg)}
}

func (c *sdkClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	var msgs []sdk.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleUser, Content: req.User})

	resp, err := c.client.CreateChatCompletion(ctx, sdk.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	out := &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		out.Usage.CachedPromptTokens = d.CachedTokens
	}
	return out, nil
}

// StatusCode returns the HTTP status of an API or transport error, or 0 when
// err carries none.
func StatusCode(err error) int {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
