// Package messaging delivers text messages to leads and surfaces inbound messages
// from providers that push them over a live connection or a provider webhook.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Constants for channel handling shared by every service.
const (
	// DefaultChannelBufferSize defines the buffer size of the inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for a free slot.
	DefaultChannelTimeout = 1 * time.Second
	// DefaultSendTimeout bounds a single outbound provider call.
	DefaultSendTimeout = 15 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a phone and returns its normalized form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// ReplyToMessage sends a text message referencing a previously received message.
	// Providers without reply threading send a plain message.
	ReplyToMessage(ctx context.Context, to string, body string, messageID string) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound lead messages.
	Responses() <-chan models.InboundMessage
}

// canonicalizeRecipient is the recipient policy shared by all providers: phones are
// normalized to the store key format and must contain at least one digit.
func canonicalizeRecipient(service, recipient string) (string, error) {
	canonical, err := util.ValidatePhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox owns the inbound channel of a service and its stopped state.
type inbox struct {
	name      string
	responses chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, responses: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit pushes msg to the inbound channel, dropping it if the channel stays full.
func (b *inbox) emit(msg models.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "phone", msg.Phone)
		return
	}
	select {
	case b.responses <- msg:
		slog.Debug(b.name+" emitted inbound message", "phone", msg.Phone)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" inbound channel blocked, dropping message", "phone", msg.Phone, "timeout", DefaultChannelTimeout)
	}
}

// close marks the inbox stopped and closes the channel once.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.responses)
}
