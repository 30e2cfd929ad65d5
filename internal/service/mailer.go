package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"grantgate/internal/model"

	"github.com/rs/zerolog"
)

// Mailer sends transactional email.
type Mailer interface {
	SendWelcome(ctx context.Context, to string, tier model.Tier) error
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type smtpMailer struct {
	host     string
	port     int
	username string
	password string
	sender   string
	appURL   string
	send     sendMailFunc
}

func NewSMTPMailer(host string, port int, username, password, sender, appURL string) Mailer {
	return &smtpMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		sender:   sender,
		appURL:   appURL,
		send:     smtp.SendMail,
	}
}

var welcomeTemplate = template.Must(template.New("welcome").Parse(
	`<p>Welcome to GrantGate {{.Tier}}!</p>
<p>Your subscription is active. Premium grant matching, deadline tracking and application templates are now unlocked.</p>
<p><a href="{{.AppURL}}">Open GrantGate</a></p>`))

func (m *smtpMailer) SendWelcome(ctx context.Context, to string, tier model.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := welcomeTemplate.Execute(&body, map[string]string{"Tier": string(tier), "AppURL": m.appURL}); err != nil {
		return fmt.Errorf("render welcome email: %w", err)
	}

	var auth smtp.Auth
	if m.username != "" && m.password != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.sender, to, "Your GrantGate subscription is active") +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body.String(),
	)
	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	if err := m.send(addr, auth, m.sender, []string{to}, msg); err != nil {
		return fmt.Errorf("send welcome email to %s via %s: %w", to, addr, err)
	}
	return nil
}

// logMailer stands in when no SMTP host is configured.
type logMailer struct {
	logger zerolog.Logger
}

func NewLogMailer(logger zerolog.Logger) Mailer {
	return &logMailer{logger: logger.With().Str("service", "LogMailer").Logger()}
}

func (m *logMailer) SendWelcome(_ context.Context, to string, tier model.Tier) error {
	m.logger.Info().Str("to", to).Str("tier", string(tier)).Msg("SMTP not configured; welcome email not sent")
	return nil
}
