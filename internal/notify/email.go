package notify

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/vigilops/vigil/internal/issues"
)

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	SMTPHost string   `yaml:"smtp_host" json:"smtpHost"`
	SMTPPort int      `yaml:"smtp_port" json:"smtpPort"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"password"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
}

type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier delivers issues over SMTP.
type EmailNotifier struct {
	config EmailConfig
	sender mailSender
}

// NewEmailNotifier creates an email channel notifier.
func NewEmailNotifier(config EmailConfig) *EmailNotifier {
	port := config.SMTPPort
	if port == 0 {
		port = 587
	}
	return &EmailNotifier{
		config: config,
		sender: gomail.NewDialer(config.SMTPHost, port, config.Username, config.Password),
	}
}

// Name implements Notifier.
func (e *EmailNotifier) Name() string { return "email" }

// Send delivers the issue as a plain-text mail to all recipients.
func (e *EmailNotifier) Send(ctx context.Context, issue issues.Issue) error {
	if len(e.config.To) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := e.buildMessage(issue)
	if err := e.sender.DialAndSend(msg); err != nil {
		return fmt.Errorf("email delivery failed: %w", err)
	}
	return nil
}

func (e *EmailNotifier) buildMessage(issue issues.Issue) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", e.config.From)
	msg.SetHeader("To", e.config.To...)
	msg.SetHeader("Subject", fmt.Sprintf("%s %s on %s",
		severityLabel(string(issue.Severity)), issue.Pattern, issue.Source))

	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\n", issue.Message)
	fmt.Fprintf(&body, "Source:      %s\n", issue.Source)
	fmt.Fprintf(&body, "Pattern:     %s\n", issue.Pattern)
	fmt.Fprintf(&body, "Severity:    %s\n", issue.Severity)
	fmt.Fprintf(&body, "First seen:  %s\n", issue.FirstSeen.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&body, "Last seen:   %s\n", issue.LastSeen.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&body, "Occurrences: %d\n", issue.Occurrences)
	if issue.Value != "" {
		fmt.Fprintf(&body, "Observed:    %s\n", issue.Value)
	}
	msg.SetBody("text/plain", body.String())
	return msg
}
