package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/vigilops/vigil/internal/findings"
	"github.com/vigilops/vigil/internal/issues"
)

func testIssue() issues.Issue {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return issues.Issue{
		ID:          "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Key:         findings.DedupKey("es", "FATAL"),
		Source:      "es",
		Pattern:     "FATAL",
		Severity:    findings.SeverityCritical,
		State:       issues.StateDispatched,
		Message:     "[critical] FATAL on es",
		Value:       "17 hits",
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 3,
	}
}

func TestSlackNotifierPostsPayload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL})
	if err := n.Send(context.Background(), testIssue()); err != nil {
		t.Fatalf("send: %v", err)
	}

	text, _ := got["text"].(string)
	if text != "[CRITICAL] [critical] FATAL on es" {
		t.Errorf("unexpected text %q", text)
	}
	if _, ok := got["attachments"]; !ok {
		t.Error("payload missing attachments")
	}
}

func TestSlackNotifierReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewSlackNotifier(SlackConfig{Enabled: true, WebhookURL: srv.URL})
	if err := n.Send(context.Background(), testIssue()); err == nil {
		t.Fatal("expected error on HTTP 503")
	}
}

func TestJiraNotifierCreatesTicket(t *testing.T) {
	var got map[string]interface{}
	var path, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, _, _ = r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"key":"OPS-123"}`))
	}))
	defer srv.Close()

	n := NewJiraNotifier(JiraConfig{
		Enabled:    true,
		BaseURL:    srv.URL + "/",
		ProjectKey: "OPS",
		UserEmail:  "bot@example.com",
		APIToken:   "token",
	})
	if err := n.Send(context.Background(), testIssue()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if path != "/rest/api/2/issue" {
		t.Errorf("path = %s", path)
	}
	if user != "bot@example.com" {
		t.Errorf("basic auth user = %s", user)
	}

	fields, _ := got["fields"].(map[string]interface{})
	if fields == nil {
		t.Fatal("payload missing fields")
	}
	project, _ := fields["project"].(map[string]interface{})
	if project["key"] != "OPS" {
		t.Errorf("project = %v", project)
	}
	priority, _ := fields["priority"].(map[string]interface{})
	if priority["name"] != "Highest" {
		t.Errorf("critical should map to Highest priority, got %v", priority)
	}
	issuetype, _ := fields["issuetype"].(map[string]interface{})
	if issuetype["name"] != "Incident" {
		t.Errorf("default issue type = %v", issuetype)
	}
}

type fakeSender struct {
	messages []*gomail.Message
	err      error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.messages = append(f.messages, m...)
	return f.err
}

func TestEmailNotifierBuildsMessage(t *testing.T) {
	sender := &fakeSender{}
	n := NewEmailNotifier(EmailConfig{
		Enabled:  true,
		SMTPHost: "smtp.example.com",
		From:     "vigil@example.com",
		To:       []string{"oncall@example.com"},
	})
	n.sender = sender

	if err := n.Send(context.Background(), testIssue()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(sender.messages))
	}

	msg := sender.messages[0]
	if got := msg.GetHeader("Subject"); len(got) != 1 || got[0] != "[CRITICAL] FATAL on es" {
		t.Errorf("subject = %v", got)
	}
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "oncall@example.com" {
		t.Errorf("to = %v", got)
	}
}

func TestEmailNotifierRequiresRecipients(t *testing.T) {
	n := NewEmailNotifier(EmailConfig{Enabled: true, SMTPHost: "smtp.example.com"})
	if err := n.Send(context.Background(), testIssue()); err == nil {
		t.Fatal("expected error without recipients")
	}
}

func TestSeverityMapping(t *testing.T) {
	if severityLabel("high") != "[HIGH]" || severityLabel("other") != "[INFO]" {
		t.Error("severity label mapping broken")
	}
	if jiraPriority("warning") != "Medium" {
		t.Error("jira priority mapping broken")
	}
}
