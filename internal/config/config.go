package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Executor   ExecutorConfig   `yaml:"executor" mapstructure:"executor"`
	Safety     SafetyConfig     `yaml:"safety" mapstructure:"safety"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// GatewayConfig maps backend slots to vendors and sizes the fan-out.
type GatewayConfig struct {
	Primary            string  `yaml:"primary" mapstructure:"primary"`
	Secondary          string  `yaml:"secondary" mapstructure:"secondary"`
	Backend            string  `yaml:"backend" mapstructure:"backend"`
	FanOut             int     `yaml:"fan_out" mapstructure:"fan_out"`
	MaxConcurrent      int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RequestTimeoutSecs int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	RatePerSecond      float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst          int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	PrimeCache         bool    `yaml:"prime_cache" mapstructure:"prime_cache"`
}

// AnthropicConfig configures the Claude backend.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	CacheSystem bool    `yaml:"cache_system" mapstructure:"cache_system"`
	CacheTTL    string  `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	Organization string  `yaml:"organization" mapstructure:"organization"`
	Model        string  `yaml:"model" mapstructure:"model"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `yaml:"temperature" mapstructure:"temperature"`
}

// RetryConfig configures the retry policy shared by every backend.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-backend circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ExecutorConfig configures candidate execution.
type ExecutorConfig struct {
	TimeoutSecs       int  `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	SnapshotOnFailure bool `yaml:"snapshot_on_failure" mapstructure:"snapshot_on_failure"`
}

// SafetyConfig adds denylist entries to the built-in set.
type SafetyConfig struct {
	ExtraPatterns []PatternConfig `yaml:"extra_patterns" mapstructure:"extra_patterns"`
	PatternsFile  string          `yaml:"patterns_file" mapstructure:"patterns_file"`
}

// PatternConfig is one extra denylist entry.
type PatternConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Category string `yaml:"category" mapstructure:"category"`
	Expr     string `yaml:"expr" mapstructure:"expr"`
}

// StoreConfig configures the cycle history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the taskpane HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the cycle health checker run by serve.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	MinCycles            int     `yaml:"min_cycles" mapstructure:"min_cycles"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PricingConfig overrides per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelPricing `yaml:"openai" mapstructure:"openai"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SHEET_ASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.key", "SHEET_ASSIST_ANTHROPIC_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("openai.key", "SHEET_ASSIST_OPENAI_KEY", "OPENAI_API_KEY")

	// Defaults
	v.SetDefault("gateway.primary", "claude")
	v.SetDefault("gateway.secondary", "openai")
	v.SetDefault("gateway.backend", "primary")
	v.SetDefault("gateway.fan_out", 5)
	v.SetDefault("gateway.max_concurrent", 5)
	v.SetDefault("gateway.request_timeout_secs", 60)
	v.SetDefault("gateway.rate_per_second", 5.0)
	v.SetDefault("gateway.rate_burst", 5)
	v.SetDefault("gateway.prime_cache", false)
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("anthropic.cache_system", true)
	v.SetDefault("anthropic.cache_ttl", "5m")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.organization", "")
	v.SetDefault("openai.model", "gpt-4")
	v.SetDefault("openai.max_tokens", 0)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("executor.timeout_secs", 30)
	v.SetDefault("executor.snapshot_on_failure", false)
	v.SetDefault("safety.patterns_file", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "sheet-assist.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("monitoring.min_cycles", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var vendors = map[string]bool{"claude": true, "openai": true}

// Validate checks the settings a command needs. API keys are not checked
// here: a missing key is reported when its backend is first used.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "ask", "serve":
		if !vendors[c.Gateway.Primary] {
			errs = append(errs, fmt.Sprintf("gateway.primary must be claude or openai (got %q)", c.Gateway.Primary))
		}
		if !vendors[c.Gateway.Secondary] {
			errs = append(errs, fmt.Sprintf("gateway.secondary must be claude or openai (got %q)", c.Gateway.Secondary))
		}
		if c.Gateway.FanOut < 1 || c.Gateway.FanOut > 20 {
			errs = append(errs, "gateway.fan_out must be between 1 and 20")
		}
		if c.Gateway.MaxConcurrent < 1 {
			errs = append(errs, "gateway.max_concurrent must be > 0")
		}
		if c.Retry.MaxAttempts < 1 {
			errs = append(errs, "retry.max_attempts must be > 0")
		}
		if c.Executor.TimeoutSecs < 1 {
			errs = append(errs, "executor.timeout_secs must be > 0")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "history":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if c.Store.Driver != "" && c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres (got %q)", c.Store.Driver))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
