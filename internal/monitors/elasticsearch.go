package monitors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/findings"
)

// PatternRule describes one log pattern to search for.
type PatternRule struct {
	Pattern  string
	Severity findings.Severity
}

// ElasticsearchConfig configures the log pattern monitor.
type ElasticsearchConfig struct {
	URL          string   // base URL, e.g. https://es:9200
	APIKey       string   // optional ApiKey authorization
	Indices      []string // index patterns to search, e.g. logs-*
	PollInterval time.Duration
	Lookback     time.Duration // search window per cycle; defaults to the poll interval
	Patterns     []PatternRule
}

// ElasticsearchMonitor searches configured indices for log patterns.
type ElasticsearchMonitor struct {
	config ElasticsearchConfig
	client *http.Client
}

// NewElasticsearchMonitor creates an Elasticsearch monitor.
func NewElasticsearchMonitor(config ElasticsearchConfig) *ElasticsearchMonitor {
	return &ElasticsearchMonitor{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements Monitor.
func (m *ElasticsearchMonitor) Name() string { return "elasticsearch" }

// Interval implements Monitor.
func (m *ElasticsearchMonitor) Interval() time.Duration { return m.config.PollInterval }

// Poll searches every configured pattern over the lookback window. Patterns
// with matches become findings carrying the hit count and the newest hit.
func (m *ElasticsearchMonitor) Poll(ctx context.Context) ([]findings.Finding, error) {
	lookback := m.config.Lookback
	if lookback <= 0 {
		lookback = m.config.PollInterval
	}
	since := time.Now().Add(-lookback)

	var out []findings.Finding
	for _, rule := range m.config.Patterns {
		hits, newest, err := m.search(ctx, rule.Pattern, since)
		if err != nil {
			log.Warn().
				Err(err).
				Str("pattern", rule.Pattern).
				Msg("Log search failed, skipping pattern this cycle")
			continue
		}
		if hits == 0 {
			continue
		}

		ctxPayload := map[string]interface{}{
			"indices": m.config.Indices,
			"window":  lookback.String(),
		}
		if newest != nil {
			ctxPayload["newest_hit"] = newest
		}
		out = append(out, findings.Finding{
			Source:    m.Name(),
			Pattern:   rule.Pattern,
			Value:     fmt.Sprintf("%d hits", hits),
			Severity:  rule.Severity,
			Timestamp: time.Now(),
			Context:   ctxPayload,
		})
	}
	return out, nil
}

func (m *ElasticsearchMonitor) search(ctx context.Context, pattern string, since time.Time) (int, map[string]interface{}, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []map[string]interface{}{
					{
						"query_string": map[string]interface{}{
							"query":            pattern,
							"analyze_wildcard": true,
						},
					},
					{
						"range": map[string]interface{}{
							"@timestamp": map[string]interface{}{
								"gte": since.UTC().Format(time.RFC3339),
								"lte": "now",
							},
						},
					},
				},
			},
		},
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]string{"order": "desc"}},
		},
		"size": 1, // hit count comes from total; only the newest document matters
	}

	body, err := json.Marshal(query)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	searchURL := fmt.Sprintf("%s/%s/_search",
		strings.TrimSuffix(m.config.URL, "/"),
		strings.Join(m.config.Indices, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.config.APIKey != "" {
		req.Header.Set("Authorization", "ApiKey "+m.config.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var newest map[string]interface{}
	if len(result.Hits.Hits) > 0 {
		newest = result.Hits.Hits[0].Source
	}
	return result.Hits.Total.Value, newest, nil
}
