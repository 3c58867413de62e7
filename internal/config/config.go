// Package config loads and validates the YAML configuration file. Values may
// reference environment variables as ${VAR}; a .env file next to the process
// is loaded first so local development does not need exported variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/vigilops/vigil/internal/escalation"
	"github.com/vigilops/vigil/internal/findings"
	"github.com/vigilops/vigil/internal/monitors"
	"github.com/vigilops/vigil/internal/notify"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MetricRuleConfig is one Prometheus threshold rule.
type MetricRuleConfig struct {
	Name      string  `yaml:"name"`
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity"`
}

// PrometheusMonitorConfig configures the metrics monitor.
type PrometheusMonitorConfig struct {
	Enabled      bool               `yaml:"enabled"`
	Endpoint     string             `yaml:"endpoint"`
	Username     string             `yaml:"username"`
	Password     string             `yaml:"password"`
	PollInterval Duration           `yaml:"poll_interval"`
	Metrics      []MetricRuleConfig `yaml:"metrics"`
}

// PatternRuleConfig is one Elasticsearch log pattern rule.
type PatternRuleConfig struct {
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
}

// ElasticsearchMonitorConfig configures the log pattern monitor.
type ElasticsearchMonitorConfig struct {
	Enabled      bool                `yaml:"enabled"`
	URL          string              `yaml:"url"`
	APIKey       string              `yaml:"api_key"`
	Indices      []string            `yaml:"indices"`
	PollInterval Duration            `yaml:"poll_interval"`
	Lookback     Duration            `yaml:"lookback"`
	Patterns     []PatternRuleConfig `yaml:"patterns"`
}

// MonitorsConfig groups all telemetry sources.
type MonitorsConfig struct {
	Prometheus    PrometheusMonitorConfig    `yaml:"prometheus"`
	Elasticsearch ElasticsearchMonitorConfig `yaml:"elasticsearch"`
}

// ChannelsConfig groups the notification channels.
type ChannelsConfig struct {
	Slack notify.SlackConfig `yaml:"slack"`
	Email notify.EmailConfig `yaml:"email"`
	Jira  notify.JiraConfig  `yaml:"jira"`
}

// AlertingConfig is the notification section.
type AlertingConfig struct {
	Channels ChannelsConfig `yaml:"channels"`
}

// PolicyConfig is one severity's escalation policy.
type PolicyConfig struct {
	Channels    []string `yaml:"channels"`
	Wait        Duration `yaml:"wait"`
	AutoResolve bool     `yaml:"auto_resolve"`
	Grace       Duration `yaml:"grace"`
}

// EscalationConfig maps severity names to policies.
type EscalationConfig struct {
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// AuditConfig selects the audit trail backend.
type AuditConfig struct {
	Backend       string `yaml:"backend"` // console, file or sqlite
	Path          string `yaml:"path"`    // file path or sqlite data dir
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig configures the operational metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// IssuesConfig tunes the issue store.
type IssuesConfig struct {
	ResolvedRetention Duration `yaml:"resolved_retention"`
}

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Monitors   MonitorsConfig   `yaml:"monitors"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Escalation EscalationConfig `yaml:"escalation"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Issues     IssuesConfig     `yaml:"issues"`
}

// requiredSeverities must all carry an escalation policy.
var requiredSeverities = []findings.Severity{
	findings.SeverityWarning,
	findings.SeverityHigh,
	findings.SeverityCritical,
}

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		log.Warn().Str("variable", name).Msg("Config references unset environment variable")
		return ""
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "console"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration describes a runnable pipeline.
func (c *Config) Validate() error {
	if !c.Monitors.Prometheus.Enabled && !c.Monitors.Elasticsearch.Enabled {
		return fmt.Errorf("monitors: at least one monitor must be enabled")
	}
	if c.Monitors.Prometheus.Enabled {
		if c.Monitors.Prometheus.Endpoint == "" {
			return fmt.Errorf("monitors.prometheus: endpoint is required")
		}
		for _, rule := range c.Monitors.Prometheus.Metrics {
			if _, err := findings.ParseSeverity(rule.Severity); err != nil {
				return fmt.Errorf("monitors.prometheus.metrics[%s]: %w", rule.Name, err)
			}
		}
	}
	if c.Monitors.Elasticsearch.Enabled {
		if c.Monitors.Elasticsearch.URL == "" {
			return fmt.Errorf("monitors.elasticsearch: url is required")
		}
		if len(c.Monitors.Elasticsearch.Indices) == 0 {
			return fmt.Errorf("monitors.elasticsearch: at least one index is required")
		}
		for _, rule := range c.Monitors.Elasticsearch.Patterns {
			if _, err := findings.ParseSeverity(rule.Severity); err != nil {
				return fmt.Errorf("monitors.elasticsearch.patterns[%s]: %w", rule.Pattern, err)
			}
		}
	}

	ch := c.Alerting.Channels
	if !ch.Slack.Enabled && !ch.Email.Enabled && !ch.Jira.Enabled {
		return fmt.Errorf("alerting: at least one channel must be enabled")
	}
	if ch.Slack.Enabled && ch.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.channels.slack: webhook_url is required")
	}
	if ch.Email.Enabled {
		if ch.Email.SMTPHost == "" || ch.Email.From == "" || len(ch.Email.To) == 0 {
			return fmt.Errorf("alerting.channels.email: smtp_host, from and to are required")
		}
	}
	if ch.Jira.Enabled {
		if ch.Jira.BaseURL == "" || ch.Jira.ProjectKey == "" {
			return fmt.Errorf("alerting.channels.jira: base_url and project_key are required")
		}
	}

	for _, sev := range requiredSeverities {
		policy, ok := c.Escalation.Policies[string(sev)]
		if !ok {
			return fmt.Errorf("escalation: missing policy for severity %q", sev)
		}
		if len(policy.Channels) == 0 {
			return fmt.Errorf("escalation.policies.%s: at least one channel is required", sev)
		}
	}
	for name := range c.Escalation.Policies {
		if _, err := findings.ParseSeverity(name); err != nil {
			return fmt.Errorf("escalation.policies: %w", err)
		}
	}

	switch c.Audit.Backend {
	case "console":
	case "file", "sqlite":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit: path is required for backend %q", c.Audit.Backend)
		}
	default:
		return fmt.Errorf("audit: unknown backend %q", c.Audit.Backend)
	}

	return nil
}

// Policies converts the escalation section into the scheduler's policy table.
// Call only after Validate.
func (c *Config) Policies() map[findings.Severity]escalation.Policy {
	out := make(map[findings.Severity]escalation.Policy, len(c.Escalation.Policies))
	for name, p := range c.Escalation.Policies {
		out[findings.Severity(name)] = escalation.Policy{
			Channels:    p.Channels,
			Wait:        p.Wait.Std(),
			AutoResolve: p.AutoResolve,
			Grace:       p.Grace.Std(),
		}
	}
	return out
}

// BuildMonitors instantiates the enabled monitors. Call only after Validate.
func (c *Config) BuildMonitors() []monitors.Monitor {
	var out []monitors.Monitor
	if c.Monitors.Prometheus.Enabled {
		p := c.Monitors.Prometheus
		rules := make([]monitors.MetricRule, 0, len(p.Metrics))
		for _, r := range p.Metrics {
			rules = append(rules, monitors.MetricRule{
				Name:      r.Name,
				Threshold: r.Threshold,
				Severity:  findings.Severity(r.Severity),
			})
		}
		out = append(out, monitors.NewPrometheusMonitor(monitors.PrometheusConfig{
			Endpoint:     p.Endpoint,
			Username:     p.Username,
			Password:     p.Password,
			PollInterval: p.PollInterval.Std(),
			Metrics:      rules,
		}))
	}
	if c.Monitors.Elasticsearch.Enabled {
		e := c.Monitors.Elasticsearch
		rules := make([]monitors.PatternRule, 0, len(e.Patterns))
		for _, r := range e.Patterns {
			rules = append(rules, monitors.PatternRule{
				Pattern:  r.Pattern,
				Severity: findings.Severity(r.Severity),
			})
		}
		out = append(out, monitors.NewElasticsearchMonitor(monitors.ElasticsearchConfig{
			URL:          e.URL,
			APIKey:       e.APIKey,
			Indices:      e.Indices,
			PollInterval: e.PollInterval.Std(),
			Lookback:     e.Lookback.Std(),
			Patterns:     rules,
		}))
	}
	return out
}

// BuildNotifiers instantiates the enabled notification channels.
func (c *Config) BuildNotifiers() []notify.Notifier {
	var out []notify.Notifier
	if c.Alerting.Channels.Slack.Enabled {
		out = append(out, notify.NewSlackNotifier(c.Alerting.Channels.Slack))
	}
	if c.Alerting.Channels.Email.Enabled {
		out = append(out, notify.NewEmailNotifier(c.Alerting.Channels.Email))
	}
	if c.Alerting.Channels.Jira.Enabled {
		out = append(out, notify.NewJiraNotifier(c.Alerting.Channels.Jira))
	}
	return out
}
