package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/huangang/issuehub/backend/internal/config"
	"github.com/huangang/issuehub/backend/pkg/logger"
)

// Mailer sends one HTML message to a list of recipients.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

type SMTPMailer struct {
	cfg config.MailConfig
}

func NewSMTPMailer(cfg config.MailConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

// Send is a no-op while mail is disabled.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	if !m.cfg.Enabled || m.cfg.Host == "" || len(to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := m.cfg.From
	if from == "" {
		from = m.cfg.Username
	}
	message := buildMIMEMessage(from, to, subject, body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	var err error
	if m.cfg.UseTLS {
		err = m.sendTLS(addr, auth, from, to, message)
	} else {
		err = smtp.SendMail(addr, auth, from, to, []byte(message))
	}

	if err != nil {
		logger.Warnf("[Email] Failed to send %q: %v", subject, err)
		return err
	}

	logger.Infof("[Email] Sent %q to %d recipient(s)", subject, len(to))
	return nil
}

var headerSanitizer = strings.NewReplacer("\r", " ", "\n", " ")

func buildMIMEMessage(from string, to []string, subject, body string) string {
	var message strings.Builder
	// Fixed header order keeps messages reproducible.
	for _, h := range [][2]string{
		{"From", from},
		{"To", strings.Join(to, ",")},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	} {
		message.WriteString(h[0] + ": " + headerSanitizer.Replace(h[1]) + "\r\n")
	}
	message.WriteString("\r\n")
	message.WriteString(body)
	return message.String()
}

func (m *SMTPMailer) sendTLS(addr string, auth smtp.Auth, from string, to []string, message string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}

	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}

	if _, err = w.Write([]byte(message)); err != nil {
		return err
	}

	return w.Close()
}

// renderEmail builds the subject and inline HTML body for n. Every value
// from Data is escaped.
func renderEmail(n *Notification) (string, string) {
	d := func(key string) string { return n.Data[key] }

	var subject, heading, intro string
	var rows [][2]string
	var link, linkText string

	switch n.Kind {
	case NotifyInvitationSent:
		subject = fmt.Sprintf("You're invited to join %s on IssueHub", d("organization"))
		heading = "You've been invited"
		intro = fmt.Sprintf("%s invited you to join %s as %s.", d("inviter"), d("organization"), d("role"))
		rows = [][2]string{{"Expires", d("expires_at")}}
		link, linkText = d("link"), "Accept invitation"
	case NotifyWelcome:
		subject = "Welcome to IssueHub"
		heading = fmt.Sprintf("Welcome, %s", d("name"))
		intro = fmt.Sprintf("Your workspace %s is ready.", d("organization"))
		link, linkText = d("link"), "Open IssueHub"
	case NotifyIssueAssigned:
		subject = fmt.Sprintf("[%s] Assigned to you: %s", d("issue_key"), d("title"))
		heading = "An issue was assigned to you"
		intro = fmt.Sprintf("%s assigned %s to you.", d("actor"), d("issue_key"))
		rows = [][2]string{{"Title", d("title")}, {"Priority", d("priority")}, {"Status", d("status")}}
		link, linkText = d("link"), "View issue"
	case NotifyCommentAdded:
		subject = fmt.Sprintf("[%s] New comment: %s", d("issue_key"), d("title"))
		heading = "New comment"
		intro = fmt.Sprintf("%s commented on %s.", d("actor"), d("issue_key"))
		rows = [][2]string{{"Comment", d("comment")}}
		link, linkText = d("link"), "View issue"
	case NotifyStatusChanged:
		subject = fmt.Sprintf("[%s] Status changed to %s", d("issue_key"), d("new_status"))
		heading = "Status changed"
		intro = fmt.Sprintf("%s moved %s from %s to %s.", d("actor"), d("issue_key"), d("old_status"), d("new_status"))
		link, linkText = d("link"), "View issue"
	case NotifyMemberAdded:
		subject = fmt.Sprintf("You were added to %s", d("project"))
		heading = "New project membership"
		intro = fmt.Sprintf("%s added you to %s as %s.", d("actor"), d("project"), d("role"))
		link, linkText = d("link"), "Open project"
	default:
		subject = fmt.Sprintf("[IssueHub] %s", strings.ReplaceAll(n.Kind, "_", " "))
		heading = subject
		intro = d("message")
	}

	var sb strings.Builder
	sb.WriteString("<html><body style=\"font-family: Arial, sans-serif;\">")
	sb.WriteString("<h2>" + html.EscapeString(heading) + "</h2>")
	sb.WriteString("<p>" + html.EscapeString(intro) + "</p>")

	if len(rows) > 0 {
		sb.WriteString("<table style=\"border-collapse: collapse; margin-bottom: 20px;\">")
		for _, r := range rows {
			sb.WriteString(fmt.Sprintf("<tr><td style=\"padding: 8px; border: 1px solid #ddd; font-weight: bold;\">%s</td><td style=\"padding: 8px; border: 1px solid #ddd; white-space: pre-wrap;\">%s</td></tr>",
				html.EscapeString(r[0]), html.EscapeString(r[1])))
		}
		sb.WriteString("</table>")
	}

	if link != "" {
		sb.WriteString(fmt.Sprintf("<p><a href=\"%s\">%s</a></p>", html.EscapeString(link), html.EscapeString(linkText)))
	}

	sb.WriteString("<hr><p style=\"color: #888; font-size: 12px;\">Sent by IssueHub</p>")
	sb.WriteString("</body></html>")

	return subject, sb.String()
}
