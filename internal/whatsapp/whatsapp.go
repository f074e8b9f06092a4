// Package whatsapp wraps the whatsmeow client so LeadPipe can talk to leads through a
// linked WhatsApp Web session instead of a hosted provider.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/leadpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends text messages to a phone (implemented by Client and MockClient).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	ReplyToMessage(ctx context.Context, to string, body string, messageID string) error
}

// TextMessage is an inbound text message extracted from a whatsmeow event.
type TextMessage struct {
	From      string
	PushName  string
	Text      string
	ID        string
	Timestamp time.Time
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to the specified path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// deviceStoreDSN returns the driver and DSN for the whatsmeow device store. SQLite
// DSNs get foreign keys enabled, which whatsmeow requires.
func deviceStoreDSN(dsn string) (driver, out string) {
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", dsn
	}
	if strings.Contains(dsn, "foreign_keys") {
		return "sqlite3", dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return "sqlite3", dsn + sep + "_foreign_keys=on"
}

// NewClient opens the device store, logs in (printing a QR code when the device is not
// yet linked) and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	driver, dsn := deviceStoreDSN(cfg.DBDSN)
	if driver == "sqlite3" {
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), store.DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp database directory: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

// SendMessage sends a plain text message to a phone.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	return c.send(ctx, to, &waE2E.Message{Conversation: &body})
}

// ReplyToMessage sends a text message quoting the message with the given ID.
func (c *Client) ReplyToMessage(ctx context.Context, to string, body string, messageID string) error {
	if messageID == "" {
		return c.SendMessage(ctx, to, body)
	}
	participant := types.NewJID(to, JIDSuffix).String()
	return c.send(ctx, to, &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: &body,
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    &messageID,
				Participant: &participant,
			},
		},
	})
}

func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// OnTextMessage registers fn for every inbound one-to-one text message. Messages sent by
// this device, group messages and non-text messages are skipped.
func (c *Client) OnTextMessage(fn func(TextMessage)) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if tm, ok := ExtractText(msg); ok {
			fn(tm)
		}
	})
}

// Disconnect closes the WhatsApp connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// ExtractText converts a whatsmeow message event into a TextMessage.
func ExtractText(evt *events.Message) (TextMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return TextMessage{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return TextMessage{}, false
	}
	return TextMessage{
		From:      evt.Info.Sender.User,
		PushName:  evt.Info.PushName,
		Text:      text,
		ID:        evt.Info.ID,
		Timestamp: evt.Info.Timestamp,
	}, true
}

// MockClient records messages instead of sending them (for tests).
type MockClient struct {
	mu   sync.Mutex
	Sent []MockMessage
}

// MockMessage is a message recorded by MockClient.
type MockMessage struct {
	To        string
	Body      string
	MessageID string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return m.ReplyToMessage(ctx, to, body, "")
}

func (m *MockClient) ReplyToMessage(ctx context.Context, to string, body string, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, MockMessage{To: to, Body: body, MessageID: messageID})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Sent))
	copy(out, m.Sent)
	return out
}
