package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio WhatsApp API.
type TwilioService struct {
	client twiliowhatsapp.Sender
	inbox  *inbox
}

// NewTwilioService creates a new TwilioService around a Twilio client or MockClient.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox("TwilioService")}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient("TwilioService", strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
}

// Start is a no-op for Twilio; inbound messages arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// ReplyToMessage sends a plain message; Twilio has no reply threading for WhatsApp.
func (s *TwilioService) ReplyToMessage(ctx context.Context, to string, body string, messageID string) error {
	return s.SendMessage(ctx, to, body)
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits them on the
// Responses channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	phone, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	s.inbox.emit(models.InboundMessage{
		Phone:     phone,
		Name:      r.FormValue("ProfileName"),
		Message:   body,
		MessageID: r.FormValue("MessageSid"),
		Time:      time.Now(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
