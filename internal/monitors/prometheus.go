package monitors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/findings"
)

// MetricRule describes one metric threshold to watch.
type MetricRule struct {
	Name      string
	Threshold float64
	Severity  findings.Severity
}

// PrometheusConfig configures the Prometheus metrics monitor.
type PrometheusConfig struct {
	Endpoint     string // base URL, e.g. http://prometheus:9090
	Username     string // optional basic auth
	Password     string
	PollInterval time.Duration
	Metrics      []MetricRule
}

// PrometheusMonitor watches metric thresholds via the instant query API.
// It remembers which rules were breaching so a metric dropping back below
// its threshold produces a resolution finding.
type PrometheusMonitor struct {
	config PrometheusConfig
	client *http.Client

	mu        sync.Mutex
	breaching map[string]bool // rule name -> was above threshold last cycle
}

// NewPrometheusMonitor creates a Prometheus monitor.
func NewPrometheusMonitor(config PrometheusConfig) *PrometheusMonitor {
	return &PrometheusMonitor{
		config:    config,
		client:    &http.Client{Timeout: 10 * time.Second},
		breaching: make(map[string]bool),
	}
}

// Name implements Monitor.
func (m *PrometheusMonitor) Name() string { return "prometheus" }

// Interval implements Monitor.
func (m *PrometheusMonitor) Interval() time.Duration { return m.config.PollInterval }

// Poll queries every configured metric and compares it to its threshold.
// A failing query only skips its own rule; the cycle continues.
func (m *PrometheusMonitor) Poll(ctx context.Context) ([]findings.Finding, error) {
	var out []findings.Finding
	now := time.Now()

	for _, rule := range m.config.Metrics {
		value, err := m.query(ctx, rule.Name)
		if err != nil {
			log.Warn().
				Err(err).
				Str("metric", rule.Name).
				Msg("Metric query failed, skipping rule this cycle")
			continue
		}

		above := value > rule.Threshold
		m.mu.Lock()
		was := m.breaching[rule.Name]
		m.breaching[rule.Name] = above
		m.mu.Unlock()

		switch {
		case above:
			out = append(out, findings.Finding{
				Source:    m.Name(),
				Pattern:   rule.Name,
				Value:     strconv.FormatFloat(value, 'f', -1, 64),
				Severity:  rule.Severity,
				Timestamp: now,
				Context: map[string]interface{}{
					"threshold": rule.Threshold,
					"endpoint":  m.config.Endpoint,
				},
			})
		case was:
			// Condition cleared: tell the pipeline to resolve.
			out = append(out, findings.Finding{
				Source:    m.Name(),
				Pattern:   rule.Name,
				Value:     strconv.FormatFloat(value, 'f', -1, 64),
				Severity:  rule.Severity,
				Timestamp: now,
				Resolved:  true,
			})
		}
	}
	return out, nil
}

// query runs an instant query and returns the highest sample value.
func (m *PrometheusMonitor) query(ctx context.Context, metric string) (float64, error) {
	queryURL := fmt.Sprintf("%s/api/v1/query?%s", m.config.Endpoint,
		url.Values{"query": []string{metric}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create query request: %w", err)
	}
	if m.config.Username != "" {
		req.SetBasicAuth(m.config.Username, m.config.Password)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("query returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string       `json:"resultType"`
			Result     model.Vector `json:"result"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode query response: %w", err)
	}
	if body.Status != "success" {
		return 0, fmt.Errorf("query returned status %q", body.Status)
	}
	if len(body.Data.Result) == 0 {
		return 0, nil
	}

	max := body.Data.Result[0].Value
	for _, sample := range body.Data.Result[1:] {
		if sample.Value > max {
			max = sample.Value
		}
	}
	return float64(max), nil
}
