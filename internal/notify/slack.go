package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigilops/vigil/internal/issues"
)

// SlackConfig holds slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	WebhookURL string `yaml:"webhook_url" json:"webhookUrl"`
	Channel    string `yaml:"channel" json:"channel,omitempty"` // optional channel override
}

// SlackNotifier delivers issues to a slack incoming webhook.
type SlackNotifier struct {
	config SlackConfig
	client *http.Client
}

// NewSlackNotifier creates a slack channel notifier.
func NewSlackNotifier(config SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Notifier.
func (s *SlackNotifier) Name() string { return "slack" }

// Send posts an attachment-style message to the webhook.
func (s *SlackNotifier) Send(ctx context.Context, issue issues.Issue) error {
	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s %s", severityLabel(string(issue.Severity)), issue.Message),
		"attachments": []map[string]interface{}{
			{
				"color": severityColor(string(issue.Severity)),
				"fields": []map[string]interface{}{
					{"title": "Source", "value": issue.Source, "short": true},
					{"title": "Severity", "value": string(issue.Severity), "short": true},
					{"title": "Pattern", "value": issue.Pattern, "short": true},
					{"title": "Occurrences", "value": fmt.Sprintf("%d", issue.Occurrences), "short": true},
				},
				"ts": issue.FirstSeen.Unix(),
			},
		},
	}
	if s.config.Channel != "" {
		payload["channel"] = s.config.Channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack returned HTTP %d", resp.StatusCode)
	}
	return nil
}
