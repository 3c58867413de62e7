package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/findings"
)

const validYAML = `
log:
  level: debug
  format: json
monitors:
  prometheus:
    enabled: true
    endpoint: http://prometheus:9090
    username: ${TEST_PROM_USER}
    poll_interval: 30s
    metrics:
      - name: cpu_usage_percent
        threshold: 85
        severity: high
  elasticsearch:
    enabled: true
    url: http://elasticsearch:9200
    api_key: ${TEST_ES_KEY}
    indices: [logs-app-*]
    poll_interval: 1m
    lookback: 2m
    patterns:
      - pattern: OutOfMemoryError
        severity: critical
alerting:
  channels:
    slack:
      enabled: true
      webhook_url: https://hooks.slack.com/services/T/B/X
    email:
      enabled: false
    jira:
      enabled: false
escalation:
  policies:
    critical:
      channels: [slack]
      wait: 0s
    high:
      channels: [slack]
      wait: 5m
    warning:
      channels: [slack]
      wait: 15m
      auto_resolve: true
      grace: 2m
audit:
  backend: console
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "vigil")
	t.Setenv("TEST_ES_KEY", "key123")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "vigil", cfg.Monitors.Prometheus.Username)
	assert.Equal(t, "key123", cfg.Monitors.Elasticsearch.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Monitors.Prometheus.PollInterval.Std())
	assert.Equal(t, 2*time.Minute, cfg.Monitors.Elasticsearch.Lookback.Std())
	assert.Equal(t, "console", cfg.Audit.Backend)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
}

func TestLoadUnsetVariableBecomesEmpty(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "vigil")
	os.Unsetenv("TEST_ES_KEY")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Empty(t, cfg.Monitors.Elasticsearch.APIKey)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "u")
	t.Setenv("TEST_ES_KEY", "k")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "no monitors enabled",
			mutate: func(c *Config) {
				c.Monitors.Prometheus.Enabled = false
				c.Monitors.Elasticsearch.Enabled = false
			},
			wantErr: "at least one monitor",
		},
		{
			name: "no channels enabled",
			mutate: func(c *Config) {
				c.Alerting.Channels.Slack.Enabled = false
			},
			wantErr: "at least one channel",
		},
		{
			name: "missing severity policy",
			mutate: func(c *Config) {
				delete(c.Escalation.Policies, "high")
			},
			wantErr: `missing policy for severity "high"`,
		},
		{
			name: "policy without channels",
			mutate: func(c *Config) {
				p := c.Escalation.Policies["warning"]
				p.Channels = nil
				c.Escalation.Policies["warning"] = p
			},
			wantErr: "at least one channel is required",
		},
		{
			name: "unknown severity in policies",
			mutate: func(c *Config) {
				c.Escalation.Policies["catastrophic"] = PolicyConfig{Channels: []string{"slack"}}
			},
			wantErr: "catastrophic",
		},
		{
			name: "unknown rule severity",
			mutate: func(c *Config) {
				c.Monitors.Prometheus.Metrics[0].Severity = "severe"
			},
			wantErr: "severe",
		},
		{
			name: "slack without webhook",
			mutate: func(c *Config) {
				c.Alerting.Channels.Slack.WebhookURL = ""
			},
			wantErr: "webhook_url",
		},
		{
			name: "file audit without path",
			mutate: func(c *Config) {
				c.Audit.Backend = "file"
				c.Audit.Path = ""
			},
			wantErr: "path is required",
		},
		{
			name: "unknown audit backend",
			mutate: func(c *Config) {
				c.Audit.Backend = "kafka"
			},
			wantErr: "unknown backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPoliciesConversion(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "u")
	t.Setenv("TEST_ES_KEY", "k")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	policies := cfg.Policies()
	require.Len(t, policies, 3)

	critical := policies[findings.SeverityCritical]
	assert.Equal(t, []string{"slack"}, critical.Channels)
	assert.Zero(t, critical.Wait)
	assert.False(t, critical.AutoResolve)

	warning := policies[findings.SeverityWarning]
	assert.Equal(t, 15*time.Minute, warning.Wait)
	assert.True(t, warning.AutoResolve)
	assert.Equal(t, 2*time.Minute, warning.ObservationWindow())
}

func TestBuildersHonorEnabledFlags(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "u")
	t.Setenv("TEST_ES_KEY", "k")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Len(t, cfg.BuildMonitors(), 2)
	require.Len(t, cfg.BuildNotifiers(), 1)
	assert.Equal(t, "slack", cfg.BuildNotifiers()[0].Name())

	cfg.Monitors.Elasticsearch.Enabled = false
	assert.Len(t, cfg.BuildMonitors(), 1)
}

func TestWatchReloadsOnChange(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "u")
	t.Setenv("TEST_ES_KEY", "k")

	path := writeConfig(t, validYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := validYAML + "\nissues:\n  resolved_retention: 10m\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 10*time.Minute, cfg.Issues.ResolvedRetention.Std())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload within 5s")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func TestWatchKeepsPreviousConfigOnInvalidEdit(t *testing.T) {
	t.Setenv("TEST_PROM_USER", "u")
	t.Setenv("TEST_ES_KEY", "k")

	path := writeConfig(t, validYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go Watch(ctx, path, func(c *Config) { reloaded <- c })

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("monitors: ["), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not be handed to the reload callback")
	case <-time.After(700 * time.Millisecond):
	}
}
