package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// DefaultCalendarLink is the booking page sent to leads when none is configured.
const DefaultCalendarLink = "https://calendar.app.google/Xo2BTpAS6jrnX9S28"

// DefaultLeadName is used when an inbound message carries no sender name.
const DefaultLeadName = "Lead"

// FallbackReply is delivered when the completion service returns no text.
const FallbackReply = "Desculpe, não consegui entender sua mensagem."

const meetingDateLayout = "02/01/2006 às 15:04"

// FormatMeetingDate renders t in loc as "dd/mm/yyyy às HH:MM".
func FormatMeetingDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(meetingDateLayout)
}

// CalendarLinkMessage is the message sent when a lead confirms interest.
func CalendarLinkMessage(name, link string) string {
	return fmt.Sprintf("Perfeito, %s! 😄\n\nAqui está o link para você agendar seu horário:\n%s\n\n"+
		"Te aguardo lá! 📅 Se precisar de ajuda durante o agendamento, é só me avisar!", name, link)
}

// ReminderOptInMessage confirms a booking and asks whether the lead wants reminders.
func ReminderOptInMessage(name, date string) string {
	return fmt.Sprintf("Olá, %s! 🎉 Sua reunião foi agendada para %s.\n\n"+
		"Você gostaria de receber lembretes antes da reunião? Responda *sim* ou *não*.", name, date)
}

const (
	remindersAcceptedMessage = "Perfeito! ✅ Vou te enviar lembretes antes da nossa reunião. Até lá!"
	remindersDeniedMessage   = "Sem problemas! 👍 Não vou enviar lembretes. Nos vemos na reunião!"
	remindersReaskMessage    = "Desculpe, não entendi. Você gostaria de receber lembretes antes da reunião? Responda *sim* ou *não*."
	meetLinkPlaceholder      = "O link de acesso está no convite enviado para o seu e-mail."
)

// ReminderMessage renders the reminder of type rt. The start reminder includes the
// meeting link when one is known.
func ReminderMessage(rt models.ReminderType, name, date, meetLink string) string {
	switch rt {
	case models.Reminder24h:
		return fmt.Sprintf("Olá, %s! 📅 Passando para lembrar da nossa reunião amanhã, %s.", name, date)
	case models.Reminder3h:
		return fmt.Sprintf("Oi, %s! Nossa reunião é daqui a 3 horas, %s. Te espero lá!", name, date)
	case models.Reminder1h:
		return fmt.Sprintf("%s, falta 1 hora para a nossa reunião (%s). ⏰", name, date)
	case models.Reminder30min:
		return fmt.Sprintf("%s, nossa reunião começa em 30 minutos! Já pode ir se preparando. 😉", name)
	case models.ReminderStart:
		access := meetLinkPlaceholder
		if strings.TrimSpace(meetLink) != "" {
			access = "Acesse: " + meetLink
		}
		return fmt.Sprintf("%s, nossa reunião está começando agora! 🚀\n%s", name, access)
	default:
		return fmt.Sprintf("Olá, %s! Lembrete da nossa reunião: %s.", name, date)
	}
}

// FollowUpMessage renders the follow-up of type ft for a lead who has not booked yet.
func FollowUpMessage(ft models.FollowUpType, name, link string) string {
	switch ft {
	case models.FollowUp2h:
		return fmt.Sprintf("Oi, %s! Conseguiu escolher um horário? O link para agendar é este:\n%s", name, link)
	case models.FollowUp24h:
		return fmt.Sprintf("Olá, %s! 😊 Ainda dá tempo de agendar sua conversa comigo:\n%s", name, link)
	default:
		return fmt.Sprintf("%s, última lembrança por aqui: se ainda quiser conversar, é só agendar pelo link\n%s\n"+
			"Qualquer dúvida, estou à disposição!", name, link)
	}
}
