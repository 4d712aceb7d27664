// Package mail renders and sends the workflow messages of the service.
package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

var ErrNoRecipient = errors.New("mail: recipient is required")

// Link data passed to the workflow templates.
type Link struct {
	FirstName string
	Link      string
	Validity  time.Duration
}

// VerifyEmail renders the address confirmation message.
func VerifyEmail(to string, data Link) (Message, error) {
	return render("verify_email", to, data)
}

// ResetPassword renders the password reset message.
func ResetPassword(to string, data Link) (Message, error) {
	return render("reset_password", to, data)
}

func render(name, to string, data Link) (Message, error) {
	if strings.TrimSpace(to) == "" {
		return Message{}, ErrNoRecipient
	}
	var subject, body bytes.Buffer
	if err := templates.ExecuteTemplate(&subject, name+".subject", data); err != nil {
		return Message{}, fmt.Errorf("mail: render %s subject: %w", name, err)
	}
	if err := templates.ExecuteTemplate(&body, name+".body", data); err != nil {
		return Message{}, fmt.Errorf("mail: render %s body: %w", name, err)
	}
	return Message{To: to, Subject: subject.String(), Body: body.String()}, nil
}

// LogMailer writes messages to the log instead of delivering them. It is
// the sender used when no mail relay is configured.
type LogMailer struct {
	From string
	Log  zerolog.Logger
}

func (m LogMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	if msg.From == "" {
		msg.From = m.From
	}
	m.Log.Info().
		Str("from", msg.From).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.Body).
		Msg("mail queued")
	return nil
}
