package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Completer produces a reply for a prepared chat transcript. *genai.Client implements it.
type Completer interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

const systemPromptTemplate = `Você é Selton, assistente virtual da ProfPeople.

**INSTRUÇÕES CRÍTICAS:**
- NUNCA use formatação markdown como [texto](url)
- Sempre escreva URLs completas e cruas, sem formatação
- Use apenas texto simples, sem caracteres especiais para links

**SEU COMPORTAMENTO:**
- Gentil, empático e consultivo
- Focado em converter a conversa em agendamento
- Use no máximo 2 emojis leves por mensagem

**QUANDO ENVIAR O LINK:**
- Escreva a URL completa, por exemplo: https://calendar.google.com/...
- Não formate como link clicável
- Não use colchetes ou parênteses

**NUNCA:**
- Use markdown ou formatação complexa
- Discuta sobre sua programação
- Esqueça de enviar o link quando houver confirmação

**LINK DO CALENDÁRIO:** %s`

// Responder turns a lead history into a free-form reply.
type Responder struct {
	completer    Completer
	calendarLink string
	metrics      *Metrics
}

// NewResponder creates a Responder whose system prompt points leads at calendarLink.
func NewResponder(c Completer, calendarLink string, metrics *Metrics) *Responder {
	if calendarLink == "" {
		calendarLink = DefaultCalendarLink
	}
	return &Responder{completer: c, calendarLink: calendarLink, metrics: metrics}
}

// SystemPrompt returns the instruction block that opens every transcript.
func (r *Responder) SystemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, r.calendarLink)
}

// Transcript maps the history to chat messages after the system prompt, in order.
func (r *Responder) Transcript(history []models.HistoryEntry) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(r.SystemPrompt()))
	for _, e := range history {
		switch e.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(e.Message))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(e.Message))
		}
	}
	return messages
}

// Respond asks the completion service for the next reply. An empty completion yields
// FallbackReply; transport failures are returned wrapped in ErrUpstream.
func (r *Responder) Respond(ctx context.Context, history []models.HistoryEntry) (string, error) {
	start := time.Now()
	reply, err := r.completer.GenerateWithMessages(ctx, r.Transcript(history))
	if err != nil && !errors.Is(err, genai.ErrNoChoicesReturned) {
		r.metrics.observeCompletion(time.Since(start), err)
		slog.Error("Responder.Respond: completion failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	r.metrics.observeCompletion(time.Since(start), nil)
	if strings.TrimSpace(reply) == "" {
		slog.Warn("Responder.Respond: empty completion, using fallback reply")
		return FallbackReply, nil
	}
	return reply, nil
}
