package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/config"
	"github.com/sells-group/sheet-assist/internal/cost"
	"github.com/sells-group/sheet-assist/internal/executor"
	"github.com/sells-group/sheet-assist/internal/gateway"
	"github.com/sells-group/sheet-assist/internal/model"
	"github.com/sells-group/sheet-assist/internal/orchestrator"
	"github.com/sells-group/sheet-assist/internal/resilience"
	"github.com/sells-group/sheet-assist/internal/safety"
	"github.com/sells-group/sheet-assist/internal/store"
	"github.com/sells-group/sheet-assist/internal/workbook"
)

// assistEnv holds everything the ask and serve commands need.
type assistEnv struct {
	Store        store.Store // may be nil
	Gateway      *gateway.Gateway
	Orchestrator *orchestrator.Orchestrator
	Workbook     *workbook.Workbook
}

// Close releases resources held by the environment.
func (e *assistEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initAssist validates config, builds the backends and gateway, and wires
// an orchestrator over wb. backendOverride selects a slot other than
// gateway.backend when non-empty.
func initAssist(ctx context.Context, mode string, wb *workbook.Workbook, backendOverride string) (*assistEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	slot := cfg.Gateway.Backend
	if backendOverride != "" {
		slot = backendOverride
	}
	backendID, err := model.ParseBackendID(slot)
	if err != nil {
		return nil, err
	}

	validator, err := buildValidator(cfg.Safety)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gatewayConfig(cfg), buildBackends(cfg), cost.NewCalculator(buildRates(cfg.Pricing)))

	wb.SetRollbackOnFailure(cfg.Executor.SnapshotOnFailure)
	exec := executor.New(time.Duration(cfg.Executor.TimeoutSecs) * time.Second)

	env := &assistEnv{Gateway: gw, Workbook: wb}
	var opts []orchestrator.Option
	if st := openHistory(ctx); st != nil {
		env.Store = st
		opts = append(opts, orchestrator.WithRecorder(st))
	}

	env.Orchestrator = orchestrator.New(orchestrator.Config{
		Backend:    backendID,
		Candidates: cfg.Gateway.FanOut,
	}, gw, validator, exec, wb, opts...)
	return env, nil
}

// openHistory opens and migrates the configured store. History is optional:
// failures are logged and the cycle runs unrecorded.
func openHistory(ctx context.Context) store.Store {
	if cfg.Store.DatabaseURL == "" {
		return nil
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		zap.L().Warn("history store unavailable", zap.String("driver", cfg.Store.Driver), zap.Error(err))
		return nil
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		zap.L().Warn("history store migration failed", zap.Error(err))
		return nil
	}
	return st
}

// initHistoryStore opens the store for the history commands, where it is
// required.
func initHistoryStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("history"); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open history store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate history store")
	}
	return st, nil
}

func gatewayConfig(c *config.Config) gateway.Config {
	return gateway.Config{
		RequestTimeout: time.Duration(c.Gateway.RequestTimeoutSecs) * time.Second,
		Retry:          resilience.FromRetryConfig(c.Retry),
		Circuit:        resilience.FromCircuitConfig(c.Circuit),
		MaxConcurrent:  c.Gateway.MaxConcurrent,
		RatePerSecond:  c.Gateway.RatePerSecond,
		RateBurst:      c.Gateway.RateBurst,
		PrimeCache:     c.Gateway.PrimeCache,
	}
}

// buildBackends maps each backend slot to the vendor configured for it.
func buildBackends(c *config.Config) map[model.BackendID]gateway.Backend {
	return map[model.BackendID]gateway.Backend{
		model.BackendPrimary:   vendorBackend(c, c.Gateway.Primary),
		model.BackendSecondary: vendorBackend(c, c.Gateway.Secondary),
	}
}

func vendorBackend(c *config.Config, vendor string) gateway.Backend {
	if vendor == cost.VendorOpenAI {
		return gateway.NewOpenAIBackend(gateway.OpenAIConfig{
			APIKey:       c.OpenAI.Key,
			BaseURL:      c.OpenAI.BaseURL,
			Organization: c.OpenAI.Organization,
			Model:        c.OpenAI.Model,
			MaxTokens:    c.OpenAI.MaxTokens,
			Temperature:  c.OpenAI.Temperature,
		}, nil)
	}
	return gateway.NewClaudeBackend(gateway.ClaudeConfig{
		APIKey:      c.Anthropic.Key,
		BaseURL:     c.Anthropic.BaseURL,
		Model:       c.Anthropic.Model,
		MaxTokens:   c.Anthropic.MaxTokens,
		Temperature: c.Anthropic.Temperature,
		CacheSystem: c.Anthropic.CacheSystem,
		CacheTTL:    c.Anthropic.CacheTTL,
	}, nil)
}

// buildRates layers configured pricing over the built-in table.
func buildRates(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for id, mp := range p.Anthropic {
		rates.Anthropic[id] = cost.ModelRate(mp)
	}
	for id, mp := range p.OpenAI {
		rates.OpenAI[id] = cost.ModelRate(mp)
	}
	return rates
}

func buildValidator(sc config.SafetyConfig) (*safety.Validator, error) {
	var extra []safety.Pattern
	for _, p := range sc.ExtraPatterns {
		extra = append(extra, safety.Pattern{Name: p.Name, Category: p.Category, Expr: p.Expr})
	}
	if sc.PatternsFile != "" {
		fromFile, err := safety.LoadPatternFile(sc.PatternsFile)
		if err != nil {
			return nil, err
		}
		extra = append(extra, fromFile...)
	}
	v, err := safety.New(extra...)
	if err != nil {
		return nil, eris.Wrap(err, "build safety validator")
	}
	return v, nil
}
