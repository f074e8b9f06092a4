package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// InboundFunc processes one inbound lead message.
type InboundFunc func(ctx context.Context, msg models.InboundMessage) error

// ResponseHandler feeds every message a service receives into an InboundFunc.
type ResponseHandler struct {
	msgService Service
	handle     InboundFunc
}

// NewResponseHandler creates a ResponseHandler for the given service.
func NewResponseHandler(msgService Service, handle InboundFunc) *ResponseHandler {
	return &ResponseHandler{msgService: msgService, handle: handle}
}

// Start begins processing inbound messages, in arrival order, until ctx is done or the
// channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.handle(ctx, msg); err != nil {
					slog.Error("ResponseHandler failed to process message", "error", err, "phone", msg.Phone)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}
