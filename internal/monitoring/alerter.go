package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/config"
	"github.com/sells-group/sheet-assist/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCycleFailureRate AlertType = "cycle_failure_rate"
	AlertBackendOpen      AlertType = "backend_circuit_open"
	AlertCostOverrun      AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2.0,
			OnRetry:        resilience.RetryLogger("webhook", "alert"),
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	minCycles := a.cfg.MinCycles
	if minCycles <= 0 {
		minCycles = 5
	}
	failed := snap.CyclesExhausted + snap.CyclesGatewayFailed
	finished := snap.Finished()
	if a.cfg.FailureRateThreshold > 0 && finished >= minCycles && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCycleFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Cycle failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":   snap.FailureRate,
				"threshold":      a.cfg.FailureRateThreshold,
				"exhausted":      snap.CyclesExhausted,
				"gateway_failed": snap.CyclesGatewayFailed,
				"finished":       finished,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBackends) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBackendOpen,
			Severity: "medium",
			Message:  "Circuit open for backend(s): " + strings.Join(snap.OpenBackends, ", "),
			Details: map[string]any{
				"backends": snap.OpenBackends,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"API cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.CostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"cycles_total":  snap.CyclesTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts one alert. Timeouts, 408, 429 and 5xx responses are
// retried; other 4xx responses fail on the first attempt.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "monitoring: webhook request")
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 400 {
			return resilience.FromHTTPStatus(
				eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode),
				resp.StatusCode,
			)
		}
		return nil
	})
}
