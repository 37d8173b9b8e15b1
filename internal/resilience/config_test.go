package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/sheet-assist/internal/config"
)

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{
		MaxAttempts:      4,
		InitialBackoffMs: 250,
		MaxBackoffMs:     2000,
		Multiplier:       3,
		JitterFraction:   0.1,
	})
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)
	assert.InDelta(t, 0.1, cfg.JitterFraction, 0.001)
}

func TestFromRetryConfig_ZeroKeepsDefaults(t *testing.T) {
	cfg := FromRetryConfig(config.RetryConfig{})
	def := DefaultRetryConfig()
	assert.Equal(t, def.MaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
	assert.InDelta(t, def.Multiplier, cfg.Multiplier, 0.001)
	assert.Zero(t, cfg.JitterFraction)
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 90})
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.ResetTimeout)

	def := FromCircuitConfig(config.CircuitConfig{})
	assert.Equal(t, 5, def.FailureThreshold)
	assert.Equal(t, 30*time.Second, def.ResetTimeout)
	assert.Equal(t, 1, def.HalfOpenMaxProbes)
}
