// Package twiliowhatsapp wraps the Twilio API for WhatsApp delivery in LeadPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix is the address scheme Twilio uses for WhatsApp endpoints.
const WhatsAppPrefix = "whatsapp:"

// Sender is implemented by the Twilio client and by MockClient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

// NewClient creates a Twilio client; unset options fall back to the TWILIO_* variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: senderAddress(cfg.FromWhats)}, nil
}

// senderAddress keeps the configured number as-is apart from the scheme; the sender
// is a Twilio number and not subject to lead phone normalization.
func senderAddress(from string) string {
	from = strings.TrimPrefix(from, WhatsAppPrefix)
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	return WhatsAppPrefix + from
}

// WhatsAppAddress turns a lead phone into Twilio's "whatsapp:+<E.164>" form.
func WhatsAppAddress(phone string) string {
	phone = strings.TrimPrefix(phone, WhatsAppPrefix)
	if e164, err := util.FormatE164(phone); err == nil {
		return WhatsAppPrefix + e164
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return WhatsAppPrefix + phone
}

// SendMessage sends a WhatsApp message using the Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("Twilio message sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// MockClient records sent messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
