package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sheet-assist/internal/cost"
	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/resilience"
)

type fakeBackend struct {
	vendor   string
	calls    atomic.Int32
	mu       sync.Mutex
	users    []string
	complete func(call int) (*Completion, error)
}

func (f *fakeBackend) Vendor() string { return f.vendor }
func (f *fakeBackend) Model() string  { return "fake-model" }

func (f *fakeBackend) FormatUser(q model.Query) (string, error) {
	return q.Text(), nil
}

func (f *fakeBackend) Complete(ctx context.Context, system, user string) (*Completion, error) {
	n := int(f.calls.Add(1))
	f.mu.Lock()
	f.users = append(f.users, user)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.complete(n)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 2 * time.Millisecond
	cfg.RatePerSecond = 0
	return cfg
}

func sampleQuery() model.Query {
	return model.NewQuery("total sales by region", [][]any{{"Region", "Sales"}, {"East", 10}, {"West", 20}}, "Sheet1!A1:B3")
}

func TestSend_Success(t *testing.T) {
	b := &fakeBackend{vendor: cost.VendorOpenAI, complete: func(int) (*Completion, error) {
		return &Completion{Text: "hello", Model: "gpt-4", Usage: model.Usage{InputTokens: 1000, OutputTokens: 100}}, nil
	}}
	g := New(fastConfig(), map[model.BackendID]Backend{model.BackendPrimary: b}, cost.NewCalculator(cost.DefaultRates()))

	resp, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.RawText)
	assert.Equal(t, model.BackendPrimary, resp.BackendID)
	assert.Equal(t, "openai", resp.Vendor)
	assert.Equal(t, 1, resp.Attempts)
	assert.InDelta(t, 0.036, resp.Usage.CostUSD, 1e-9)
	assert.Equal(t, []string{"total sales by region"}, b.users)
}

func TestSend_RetryBound(t *testing.T) {
	b := &fakeBackend{vendor: cost.VendorClaude, complete: func(int) (*Completion, error) {
		return nil, &NetworkError{Vendor: "claude", StatusCode: 503, Err: errors.New("unavailable")}
	}}
	g := New(fastConfig(), map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	_, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	require.Error(t, err)
	assert.Equal(t, int32(3), b.calls.Load())

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
	assert.Contains(t, err.Error(), "claude failed after 3 attempts")
	assert.Contains(t, err.Error(), "status 503")
}

func TestSend_RecoversAfterTransientFailures(t *testing.T) {
	b := &fakeBackend{vendor: cost.VendorClaude, complete: func(call int) (*Completion, error) {
		if call < 3 {
			return nil, &MalformedResponseError{Vendor: "claude", Err: errors.New("no text")}
		}
		return &Completion{Text: "ok"}, nil
	}}
	g := New(fastConfig(), map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	resp, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
}

func TestSend_AuthErrorNotRetried(t *testing.T) {
	b := &fakeBackend{vendor: cost.VendorOpenAI, complete: func(int) (*Completion, error) {
		return nil, &AuthError{Vendor: "openai", StatusCode: 401, Err: errors.New("bad key")}
	}}
	g := New(fastConfig(), map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	_, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	require.Error(t, err)
	assert.Equal(t, int32(1), b.calls.Load())
	var ae *AuthError
	assert.ErrorAs(t, err, &ae)
	assert.Contains(t, err.Error(), "failed after 1 attempts")
}

func TestSend_ConfigurationErrorReturnedAsIs(t *testing.T) {
	g := New(fastConfig(), map[model.BackendID]Backend{
		model.BackendPrimary: NewClaudeBackend(ClaudeConfig{}, nil),
	}, nil)

	_, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "claude", ce.Vendor)
	assert.Contains(t, err.Error(), "SHEET_ASSIST_ANTHROPIC_KEY")
}

func TestSend_UnknownBackend(t *testing.T) {
	g := New(fastConfig(), map[model.BackendID]Backend{}, nil)
	_, err := g.Send(context.Background(), sampleQuery(), model.BackendSecondary)
	assert.True(t, IsConfigurationError(err))
}

func TestSend_RequestTimeoutIsRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.RequestTimeout = 5 * time.Millisecond
	b := &fakeBackend{vendor: cost.VendorClaude}
	b.complete = func(call int) (*Completion, error) {
		if call == 1 {
			time.Sleep(20 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return &Completion{Text: "late but fine"}, nil
	}
	g := New(cfg, map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	resp, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Attempts)
}

func TestSend_CircuitOpensAcrossCalls(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Circuit = resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}
	b := &fakeBackend{vendor: cost.VendorClaude, complete: func(int) (*Completion, error) {
		return nil, &NetworkError{Vendor: "claude", Err: errors.New("connection refused")}
	}}
	g := New(cfg, map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	for range 2 {
		_, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
		require.Error(t, err)
	}
	_, err := g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), b.calls.Load())
	assert.Equal(t, resilience.CircuitOpen, g.Breakers()["primary/claude"])
}

func TestFanOut_OrderedResults(t *testing.T) {
	var seq atomic.Int32
	b := &fakeBackend{vendor: cost.VendorClaude, complete: func(int) (*Completion, error) {
		seq.Add(1)
		return &Completion{Text: "answer"}, nil
	}}
	g := New(fastConfig(), map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	out, err := g.FanOut(context.Background(), sampleQuery(), model.BackendPrimary, 5)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, int32(5), b.calls.Load())
	for _, r := range out {
		assert.Equal(t, "answer", r.RawText)
	}
}

func TestFanOut_ToleratesPartialFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.MaxConcurrent = 1
	b := &fakeBackend{vendor: cost.VendorClaude, complete: func(call int) (*Completion, error) {
		if call%2 == 0 {
			return nil, &AuthError{Vendor: "claude", StatusCode: 403, Err: errors.New("denied")}
		}
		return &Completion{Text: "ok"}, nil
	}}
	g := New(cfg, map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	out, err := g.FanOut(context.Background(), sampleQuery(), model.BackendPrimary, 4)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestFanOut_AllFail(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 2
	b := &fakeBackend{vendor: cost.VendorOpenAI, complete: func(int) (*Completion, error) {
		return nil, &NetworkError{Vendor: "openai", StatusCode: 500, Err: errors.New("boom")}
	}}
	g := New(cfg, map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	out, err := g.FanOut(context.Background(), sampleQuery(), model.BackendPrimary, 3)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai failed after 2 attempts")
	assert.Equal(t, int32(6), b.calls.Load())
}

func TestFanOut_RetryBoundWithDefaultBreaker(t *testing.T) {
	b := &fakeBackend{vendor: cost.VendorClaude, complete: func(int) (*Completion, error) {
		return nil, &NetworkError{Vendor: "claude", StatusCode: 503, Err: errors.New("unavailable")}
	}}
	g := New(fastConfig(), map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	out, err := g.FanOut(context.Background(), sampleQuery(), model.BackendPrimary, 5)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.Equal(t, int32(15), b.calls.Load())

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Attempts)
	assert.Contains(t, err.Error(), "claude failed after 3 attempts")
	assert.Contains(t, err.Error(), "status 503")
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)

	// Five failed calls reach the default threshold; the next call fails fast.
	assert.Equal(t, resilience.CircuitOpen, g.Breakers()["primary/claude"])
	_, err = g.Send(context.Background(), sampleQuery(), model.BackendPrimary)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(15), b.calls.Load())
}

func TestFanOut_ConfigurationErrorShortCircuits(t *testing.T) {
	cfg := fastConfig()
	cfg.PrimeCache = true
	g := New(cfg, map[model.BackendID]Backend{
		model.BackendSecondary: NewOpenAIBackend(OpenAIConfig{}, nil),
	}, nil)

	_, err := g.FanOut(context.Background(), sampleQuery(), model.BackendSecondary, 5)
	assert.True(t, IsConfigurationError(err))
}

func TestFanOut_PrimeCacheRunsFirstCallAlone(t *testing.T) {
	cfg := fastConfig()
	cfg.PrimeCache = true
	var inFlight, maxDuringFirst atomic.Int32
	b := &fakeBackend{vendor: cost.VendorClaude}
	b.complete = func(call int) (*Completion, error) {
		inFlight.Add(1)
		defer inFlight.Add(-1)
		if call == 1 {
			time.Sleep(10 * time.Millisecond)
			maxDuringFirst.Store(inFlight.Load())
		}
		return &Completion{Text: "x"}, nil
	}
	g := New(cfg, map[model.BackendID]Backend{model.BackendPrimary: b}, nil)

	out, err := g.FanOut(context.Background(), sampleQuery(), model.BackendPrimary, 3)
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, int32(1), maxDuringFirst.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&NetworkError{Err: errors.New("x"), StatusCode: 400}))
	assert.True(t, Retryable(&MalformedResponseError{Err: errors.New("x")}))
	assert.False(t, Retryable(&AuthError{Err: errors.New("x")}))
	assert.False(t, Retryable(&ConfigurationError{}))
	assert.False(t, Retryable(resilience.ErrCircuitOpen))
}
