package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "5511999998888", "Olá"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Olá" {
		t.Errorf("expected body %q, got %q", "Olá", sent[0].Body)
	}

	mock.Err = errors.New("boom")
	if err := mock.SendMessage(ctx, "5511999998888", "x"); err == nil {
		t.Error("expected configured error")
	}
}

func TestWhatsAppAddress(t *testing.T) {
	tests := map[string]string{
		"5511999998888":           "whatsapp:+5511999998888",
		"11999998888":             "whatsapp:+5511999998888",
		"whatsapp:+5511999998888": "whatsapp:+5511999998888",
	}
	for in, want := range tests {
		if got := WhatsAppAddress(in); got != want {
			t.Errorf("WhatsAppAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_MissingCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("unexpected from address %q", c.fromWhats)
	}
}
