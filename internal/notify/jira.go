package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vigilops/vigil/internal/issues"
)

// JiraConfig holds ticketing settings.
type JiraConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	BaseURL    string `yaml:"base_url" json:"baseUrl"`
	ProjectKey string `yaml:"project_key" json:"projectKey"`
	UserEmail  string `yaml:"user_email" json:"userEmail"`
	APIToken   string `yaml:"api_token" json:"apiToken"`
	IssueType  string `yaml:"issue_type" json:"issueType"` // defaults to "Incident"
}

// JiraNotifier files a ticket for each dispatched escalation.
type JiraNotifier struct {
	config JiraConfig
	client *http.Client
}

// NewJiraNotifier creates a ticketing channel notifier.
func NewJiraNotifier(config JiraConfig) *JiraNotifier {
	if config.IssueType == "" {
		config.IssueType = "Incident"
	}
	return &JiraNotifier{
		config: config,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Name implements Notifier.
func (j *JiraNotifier) Name() string { return "jira" }

// Send creates a ticket via the REST API.
func (j *JiraNotifier) Send(ctx context.Context, issue issues.Issue) error {
	payload := map[string]interface{}{
		"fields": map[string]interface{}{
			"project":   map[string]string{"key": j.config.ProjectKey},
			"issuetype": map[string]string{"name": j.config.IssueType},
			"summary": fmt.Sprintf("%s %s on %s",
				severityLabel(string(issue.Severity)), issue.Pattern, issue.Source),
			"description": j.buildDescription(issue),
			"priority":    map[string]string{"name": jiraPriority(string(issue.Severity))},
			"labels":      []string{"vigil", "auto-detected", string(issue.Severity)},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode jira payload: %w", err)
	}

	url := strings.TrimSuffix(j.config.BaseURL, "/") + "/rest/api/2/issue"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create jira request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(j.config.UserEmail, j.config.APIToken)

	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("jira post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jira returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (j *JiraNotifier) buildDescription(issue issues.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", issue.Message)
	fmt.Fprintf(&b, "||Field||Value||\n")
	fmt.Fprintf(&b, "|Source|%s|\n", issue.Source)
	fmt.Fprintf(&b, "|Pattern|%s|\n", issue.Pattern)
	fmt.Fprintf(&b, "|Severity|%s|\n", issue.Severity)
	fmt.Fprintf(&b, "|First seen|%s|\n", issue.FirstSeen.Format(time.RFC3339))
	fmt.Fprintf(&b, "|Occurrences|%d|\n", issue.Occurrences)
	if issue.Value != "" {
		fmt.Fprintf(&b, "|Observed value|%s|\n", issue.Value)
	}
	return b.String()
}

func jiraPriority(severity string) string {
	switch severity {
	case "critical":
		return "Highest"
	case "high":
		return "High"
	case "warning":
		return "Medium"
	default:
		return "Low"
	}
}
