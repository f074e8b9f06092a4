package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// DefaultZAPIBaseURL is the public Z-API endpoint.
const DefaultZAPIBaseURL = "https://api.z-api.io"

// ZAPIOpts holds configuration for the Z-API service.
type ZAPIOpts struct {
	BaseURL     string
	Instance    string
	Token       string
	ClientToken string
	HTTPClient  *http.Client
}

// ZAPIOption configures a ZAPIService.
type ZAPIOption func(*ZAPIOpts)

// WithZAPIBaseURL overrides the Z-API endpoint (used by tests).
func WithZAPIBaseURL(url string) ZAPIOption {
	return func(o *ZAPIOpts) { o.BaseURL = url }
}

// WithZAPIInstance sets the instance ID and its token.
func WithZAPIInstance(instance, token string) ZAPIOption {
	return func(o *ZAPIOpts) {
		o.Instance = instance
		o.Token = token
	}
}

// WithZAPIClientToken sets the account security token sent as the Client-Token header.
func WithZAPIClientToken(token string) ZAPIOption {
	return func(o *ZAPIOpts) { o.ClientToken = token }
}

// WithZAPIHTTPClient sets the HTTP client used for send calls.
func WithZAPIHTTPClient(c *http.Client) ZAPIOption {
	return func(o *ZAPIOpts) { o.HTTPClient = c }
}

// ZAPIService implements Service on top of the Z-API send-text endpoint. Inbound
// messages arrive through the HTTP webhook, so its Responses channel never emits.
type ZAPIService struct {
	sendURL     string
	clientToken string
	httpClient  *http.Client
	inbox       *inbox
}

type zapiSendRequest struct {
	Phone     string `json:"phone"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
}

// NewZAPIService creates a Z-API backed messaging service.
func NewZAPIService(opts ...ZAPIOption) (*ZAPIService, error) {
	cfg := ZAPIOpts{BaseURL: DefaultZAPIBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewZAPIService config loaded", "instance_set", cfg.Instance != "", "token_set", cfg.Token != "", "client_token_set", cfg.ClientToken != "")
	if cfg.Instance == "" || cfg.Token == "" {
		return nil, fmt.Errorf("z-api instance and token must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &ZAPIService{
		sendURL:     fmt.Sprintf("%s/instances/%s/token/%s/send-text", base, cfg.Instance, cfg.Token),
		clientToken: cfg.ClientToken,
		httpClient:  cfg.HTTPClient,
		inbox:       newInbox("ZAPIService"),
	}, nil
}

func (s *ZAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient("ZAPIService", recipient)
}

func (s *ZAPIService) SendMessage(ctx context.Context, to string, body string) error {
	return s.ReplyToMessage(ctx, to, body, "")
}

// ReplyToMessage posts to send-text with the optional messageId of the message being answered.
func (s *ZAPIService) ReplyToMessage(ctx context.Context, to string, body string, messageID string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("ZAPIService.ReplyToMessage: validation error", "error", err, "to", to)
		return err
	}

	payload, err := json.Marshal(zapiSendRequest{Phone: canonicalTo, Message: body, MessageID: messageID})
	if err != nil {
		return fmt.Errorf("failed to encode z-api request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build z-api request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.clientToken != "" {
		req.Header.Set("Client-Token", s.clientToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("ZAPIService.ReplyToMessage: request failed", "error", err, "to", canonicalTo)
		return fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("ZAPIService.ReplyToMessage: unexpected status", "status", resp.StatusCode, "to", canonicalTo)
		return fmt.Errorf("failed to send message to %s: z-api returned status %d", canonicalTo, resp.StatusCode)
	}
	slog.Debug("ZAPIService.ReplyToMessage: message sent", "to", canonicalTo, "reply_to", messageID)
	return nil
}

// Start is a no-op; Z-API pushes inbound messages to the webhook.
func (s *ZAPIService) Start(ctx context.Context) error {
	return nil
}

func (s *ZAPIService) Stop() error {
	s.inbox.close()
	return nil
}

func (s *ZAPIService) Responses() <-chan models.InboundMessage {
	return s.inbox.responses
}
