package email

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("noreply@claimdesk.local", "m@example.com", "New\nClaim", "line one\nline two"))
	if !strings.Contains(msg, "Subject: New Claim\r\n") {
		t.Fatalf("subject not sanitized: %q", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\nline one\r\nline two") {
		t.Fatalf("unexpected body: %q", msg)
	}
}

func TestSendText_Unconfigured(t *testing.T) {
	m := NewMailer(SMTPConfig{})
	if err := m.Send(context.Background(), "m@example.com", "s", "b"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	cfg := SMTPConfig{Host: "localhost", Port: 25}
	if err := SendText(cfg, "a@b.c\r\nBcc: x@y.z", "s", "b"); err == nil {
		t.Fatalf("expected header injection to be rejected")
	}
}
