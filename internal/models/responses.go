package models

// ErrorResponse is the JSON body of every failed webhook or poll request.
type ErrorResponse struct {
	Error      string `json:"error"`
	Detail     string `json:"detalhe,omitempty"`
	Suggestion string `json:"sugestao,omitempty"`
}

// Error creates an error response with a message.
func Error(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

// ErrorWithDetail creates an error response carrying the underlying cause.
func ErrorWithDetail(message, detail string) ErrorResponse {
	return ErrorResponse{Error: message, Detail: detail}
}

// ReplyResponse is returned by the webhooks after a message was handled.
type ReplyResponse struct {
	Success bool   `json:"success"`
	Reply   string `json:"reply,omitempty"`
	Ignored bool   `json:"ignored,omitempty"`
}

// ReminderPollResponse is returned by the reminder polling endpoint.
type ReminderPollResponse struct {
	Success     bool   `json:"success"`
	Processed   int    `json:"processed"`
	Pending     int    `json:"pending"`
	CurrentTime string `json:"current_time"`
	Locked      bool   `json:"locked,omitempty"`
}

// FollowUpPollResponse is returned by the follow-up polling endpoint.
type FollowUpPollResponse struct {
	Success     bool   `json:"success"`
	Processed   int    `json:"processed"`
	Skipped     int    `json:"skipped"`
	Pending     int    `json:"pending"`
	CurrentTime string `json:"current_time"`
	Locked      bool   `json:"locked,omitempty"`
}
