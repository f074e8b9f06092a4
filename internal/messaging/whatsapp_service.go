package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// WhatsAppService implements Service on a linked WhatsApp Web session.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client
	inbox    *inbox
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender. When the
// sender is a live *whatsapp.Client its inbound text messages are surfaced on Responses.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{client: client, inbox: newInbox("WhatsAppService")}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient("WhatsAppService", recipient)
}

// Start registers the inbound event handler on the live client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		return nil
	}
	s.waClient.OnTextMessage(s.HandleText)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// HandleText converts an inbound WhatsApp text into an InboundMessage.
func (s *WhatsAppService) HandleText(tm whatsapp.TextMessage) {
	phone, err := s.ValidateAndCanonicalizeRecipient(tm.From)
	if err != nil {
		slog.Debug("WhatsAppService ignoring message with invalid sender", "from", tm.From)
		return
	}
	s.inbox.emit(models.InboundMessage{
		Phone:     phone,
		Name:      tm.PushName,
		Message:   tm.Text,
		MessageID: tm.ID,
		Time:      tm.Timestamp,
	})
}

// Stop disconnects the live client and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	s.inbox.close()
	return nil
}

func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	return s.ReplyToMessage(ctx, to, body, "")
}

func (s *WhatsAppService) ReplyToMessage(ctx context.Context, to string, body string, messageID string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.ReplyToMessage(ctx, canonicalTo, body, messageID); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}
