// Package gateway sends a query to a configured LLM backend with retry,
// pacing, and parallel fan-out.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/sheet-assist/internal/cost"
	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/resilience"
)

// Config controls retry, pacing, and fan-out behavior.
type Config struct {
	RequestTimeout time.Duration
	Retry          resilience.RetryConfig
	Circuit        resilience.CircuitBreakerConfig
	MaxConcurrent  int
	RatePerSecond  float64
	RateBurst      int
	// PrimeCache sends the first fan-out call alone so the rest read the
	// system prompt from the vendor's prompt cache.
	PrimeCache bool
}

// DefaultConfig returns a 60s per-request timeout, the default retry policy,
// and five concurrent calls.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 60 * time.Second,
		Retry:          resilience.DefaultRetryConfig(),
		Circuit:        resilience.DefaultCircuitBreakerConfig(),
		MaxConcurrent:  5,
		RatePerSecond:  5,
		RateBurst:      5,
	}
}

// Gateway routes queries to backends by BackendID.
type Gateway struct {
	cfg      Config
	backends map[model.BackendID]Backend
	limiters map[model.BackendID]*rate.Limiter
	breakers *resilience.BackendBreakers
	costs    *cost.Calculator
}

// New creates a gateway over the given backends. costs may be nil.
func New(cfg Config, backends map[model.BackendID]Backend, costs *cost.Calculator) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	cfg.Circuit.ShouldTrip = Retryable

	limiters := make(map[model.BackendID]*rate.Limiter, len(backends))
	for id := range backends {
		limit := rate.Inf
		if cfg.RatePerSecond > 0 {
			limit = rate.Limit(cfg.RatePerSecond)
		}
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiters[id] = rate.NewLimiter(limit, burst)
	}

	return &Gateway{
		cfg:      cfg,
		backends: backends,
		limiters: limiters,
		breakers: resilience.NewBackendBreakers(cfg.Circuit),
		costs:    costs,
	}
}

// Backend returns the backend configured for id.
func (g *Gateway) Backend(id model.BackendID) (Backend, error) {
	b, ok := g.backends[id]
	if !ok || b == nil {
		return nil, &ConfigurationError{Vendor: string(id), Reason: "no backend configured for this slot"}
	}
	return b, nil
}

// Breakers exposes circuit state per backend for health reporting.
func (g *Gateway) Breakers() map[string]resilience.CircuitState {
	return g.breakers.States()
}

// Send performs one logical request with retries. Transient failures (network,
// non-2xx, malformed responses) are retried; configuration and auth failures
// are not. A permanent failure is a *SendError naming the attempt count, or the
// ConfigurationError itself.
func (g *Gateway) Send(ctx context.Context, q model.Query, id model.BackendID) (*model.ModelResponse, error) {
	b, err := g.Backend(id)
	if err != nil {
		return nil, err
	}
	user, err := b.FormatUser(q)
	if err != nil {
		return nil, err
	}

	label := string(id) + "/" + b.Vendor()
	log := zap.L().With(zap.String("backend", label), zap.String("model", b.Model()))

	retry := g.cfg.Retry
	retry.ShouldRetry = Retryable
	retry.OnRetry = resilience.RetryLogger(label, "send")

	breaker := g.breakers.Get(label)
	limiter := g.limiters[id]

	start := time.Now()
	var attempts int
	// The breaker records one result per logical call, after retries.
	comp, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*Completion, error) {
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*Completion, error) {
			attempts++
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil, eris.Wrap(err, "gateway: rate limiter")
				}
			}
			reqCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
			defer cancel()
			comp, err := b.Complete(reqCtx, SystemPrompt, user)
			if err != nil && ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
				err = &NetworkError{Vendor: b.Vendor(), Err: eris.Wrapf(err, "request timed out after %s", g.cfg.RequestTimeout)}
			}
			return comp, err
		})
	})
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, cfgErr
		}
		last := err
		var re *resilience.RetryError
		if errors.As(err, &re) {
			last = re.Err
		}
		log.Error("gateway: request failed",
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(last),
		)
		return nil, &SendError{Vendor: b.Vendor(), Attempts: attempts, Err: last}
	}

	resp := &model.ModelResponse{
		RawText:   comp.Text,
		BackendID: id,
		Vendor:    b.Vendor(),
		Model:     comp.Model,
		Attempts:  attempts,
		Usage:     comp.Usage,
	}
	if g.costs != nil {
		g.costs.Attribute(resp)
	}
	log.Debug("gateway: response received",
		zap.Int("attempts", attempts),
		zap.Int("chars", len(comp.Text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

// FanOut issues n Sends concurrently and returns the successful responses in
// call order. Failed calls are logged and dropped. If every call fails, the
// error from the highest-indexed call is returned. A ConfigurationError is
// returned as soon as it is seen.
func (g *Gateway) FanOut(ctx context.Context, q model.Query, id model.BackendID, n int) ([]model.ModelResponse, error) {
	if n < 1 {
		n = 1
	}
	results := make([]*model.ModelResponse, n)
	errs := make([]error, n)

	first := 0
	if g.cfg.PrimeCache && n > 1 {
		results[0], errs[0] = g.Send(ctx, q, id)
		if IsConfigurationError(errs[0]) {
			return nil, errs[0]
		}
		first = 1
	}

	var eg errgroup.Group
	eg.SetLimit(g.cfg.MaxConcurrent)
	for i := first; i < n; i++ {
		eg.Go(func() error {
			results[i], errs[i] = g.Send(ctx, q, id)
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]model.ModelResponse, 0, n)
	var last error
	for i := range n {
		if errs[i] != nil {
			if IsConfigurationError(errs[i]) {
				return nil, errs[i]
			}
			zap.L().Warn("gateway: fan-out call failed",
				zap.String("backend", string(id)),
				zap.Int("index", i),
				zap.Error(errs[i]),
			)
			last = errs[i]
			continue
		}
		out = append(out, *results[i])
	}
	if len(out) == 0 {
		return nil, last
	}

	zap.L().Info("gateway: fan-out complete",
		zap.String("backend", string(id)),
		zap.Int("requested", n),
		zap.Int("received", len(out)),
	)
	return out, nil
}
