package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestVerifyEmailMessage(t *testing.T) {
	msg, err := VerifyEmail("ada@example.com", Link{
		FirstName: "Ada",
		Link:      "https://app.example.com/verify-email?token=abc",
		Validity:  30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if msg.To != "ada@example.com" || msg.Subject != "Confirm your email address" {
		t.Fatalf("unexpected message header: %+v", msg)
	}
	for _, want := range []string{"Hello Ada", "verify-email?token=abc", "30m0s"} {
		if !strings.Contains(msg.Body, want) {
			t.Fatalf("expected body to contain %q, got %q", want, msg.Body)
		}
	}
}

func TestResetPasswordMessage(t *testing.T) {
	msg, err := ResetPassword("ada@example.com", Link{Link: "https://app/reset-password?token=x"})
	if err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if msg.Subject != "Reset your password" || !strings.Contains(msg.Body, "reset-password?token=x") {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if _, err := ResetPassword(" ", Link{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestLogMailer(t *testing.T) {
	var buf bytes.Buffer
	m := LogMailer{From: "noreply@example.com", Log: zerolog.New(&buf)}
	if err := m.Send(context.Background(), Message{To: "ada@example.com", Subject: "hi", Body: "body"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if entry["from"] != "noreply@example.com" || entry["to"] != "ada@example.com" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if err := m.Send(context.Background(), Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}
