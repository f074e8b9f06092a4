package flow

import (
	"context"
	"time"
)

// Sender delivers text messages to a lead. messaging.Service implements it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	ReplyToMessage(ctx context.Context, to string, body string, messageID string) error
}

// DispatchResult summarizes one dispatcher run.
type DispatchResult struct {
	// Processed counts the deliveries attempted.
	Processed int
	// Skipped counts items removed without delivery.
	Skipped int
	// Failed counts attempted deliveries the provider rejected.
	Failed int
	// Pending is the number of items left after the run.
	Pending int
	// Locked is set when another run held the lock and nothing was done.
	Locked      bool
	CurrentTime time.Time
}

func send(ctx context.Context, s Sender, timeout time.Duration, to, body, replyTo string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if replyTo != "" {
		return s.ReplyToMessage(ctx, to, body, replyTo)
	}
	return s.SendMessage(ctx, to, body)
}
