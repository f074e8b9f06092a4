package flow

import "strings"

// confirmationPhrases are the answers that count as "yes, send me the link".
var confirmationPhrases = []string{
	"sim", "pode sim", "quero", "claro", "ok", "beleza", "tá bom", "pode",
	"pode ser", "vamos", "vamos sim", "combinado", "show", "legal", "top",
	"perfeito", "excelente", "maravilha", "ótimo", "bora", "vamos lá",
	"pode mandar", "envia", "manda", "pode enviar",
}

// Reject phrases are checked before accept phrases: "não quero" contains "quero".
var reminderRejectPhrases = []string{
	"não", "nao", "não quero", "nao quero", "não precisa", "nao precisa",
	"dispenso", "prefiro não", "prefiro nao", "sem lembrete", "negativo",
}

var reminderAcceptPhrases = []string{
	"sim", "quero", "pode", "claro", "ok", "aceito", "por favor", "com certeza",
	"beleza", "manda", "bora", "perfeito", "certo", "isso",
}

// ReminderReply is the classification of an answer to the reminder opt-in question.
type ReminderReply int

const (
	ReminderReplyUnclear ReminderReply = iota
	ReminderReplyAccept
	ReminderReplyReject
)

func (r ReminderReply) String() string {
	switch r {
	case ReminderReplyAccept:
		return "accept"
	case ReminderReplyReject:
		return "reject"
	default:
		return "unclear"
	}
}

// containsAny lower-cases and trims msg and reports whether any phrase is a substring
// of it. Matching is deliberately loose: "topo" matches "top".
func containsAny(msg string, phrases []string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	if m == "" {
		return false
	}
	for _, p := range phrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// IsConfirmation reports whether msg confirms interest in booking a meeting.
func IsConfirmation(msg string) bool {
	return containsAny(msg, confirmationPhrases)
}

// ClassifyReminderReply classifies an answer to the reminder opt-in question.
func ClassifyReminderReply(msg string) ReminderReply {
	if containsAny(msg, reminderRejectPhrases) {
		return ReminderReplyReject
	}
	if containsAny(msg, reminderAcceptPhrases) {
		return ReminderReplyAccept
	}
	return ReminderReplyUnclear
}
