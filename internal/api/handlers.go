package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// flexString decodes a JSON string or number into its text form; lead sources send
// phone numbers either way.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// whatsappWebhookRequest accepts both the flat payload of the lead source and the
// nested Z-API received-message callback.
type whatsappWebhookRequest struct {
	Phone      flexString `json:"phone"`
	Name       string     `json:"name"`
	SenderName string     `json:"senderName"`
	Message    string     `json:"message"`
	Text       *struct {
		Message string `json:"message"`
	} `json:"text"`
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
	FromMe    bool   `json:"fromMe"`
	IsGroup   bool   `json:"isGroup"`
}

func (req whatsappWebhookRequest) inbound(now time.Time) models.InboundMessage {
	name := req.Name
	if name == "" {
		name = req.SenderName
	}
	text := req.Message
	if text == "" && req.Text != nil {
		text = req.Text.Message
	}
	msg := models.InboundMessage{
		Phone:     strings.TrimSpace(string(req.Phone)),
		Name:      strings.TrimSpace(name),
		Message:   strings.TrimSpace(text),
		MessageID: req.MessageID,
		Time:      now,
	}
	if strings.EqualFold(req.Type, string(models.InboundInitial)) {
		msg.Type = models.InboundInitial
	}
	return msg
}

func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req whatsappWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.whatsappWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidData))
		return
	}
	if req.FromMe || req.IsGroup {
		slog.Debug("Server.whatsappWebhookHandler: ignoring event", "from_me", req.FromMe, "is_group", req.IsGroup)
		writeJSONResponse(w, http.StatusOK, models.ReplyResponse{Success: true, Ignored: true})
		return
	}

	msg := req.inbound(s.opts.Now())
	if msg.Phone == "" || msg.Message == "" {
		slog.Warn("Server.whatsappWebhookHandler: missing phone or message")
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidData))
		return
	}

	reply, err := s.router.HandleInbound(r.Context(), msg)
	if err != nil {
		slog.Error("Server.whatsappWebhookHandler: failed to handle message", "phone", msg.Phone, "error", err)
		writeFlowError(w, err)
		return
	}
	slog.Info("Server.whatsappWebhookHandler: message handled", "phone", reply.Phone, "branch", reply.Branch)
	writeJSONResponse(w, http.StatusOK, models.ReplyResponse{Success: true, Reply: reply.Text})
}

type meetingScheduledRequest struct {
	Name        string     `json:"name"`
	Phone       flexString `json:"phone"`
	Email       string     `json:"email"`
	MeetingDate string     `json:"meeting_date"`
	MeetLink    string     `json:"meet_link"`
}

// meetingDateLayouts are tried, in order, for dates without an RFC 3339 offset.
var meetingDateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"02/01/2006 15:04",
}

// parseMeetingDate parses RFC 3339 dates and, in loc, a few offset-less layouts.
func parseMeetingDate(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	for _, layout := range meetingDateLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (s *Server) meetingScheduledHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req meetingScheduledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.meetingScheduledHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidData))
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.MeetingDate) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msgInvalidData))
		return
	}
	meetingAt, ok := parseMeetingDate(req.MeetingDate, s.opts.Location)
	if !ok {
		slog.Warn("Server.meetingScheduledHandler: unparseable meeting date", "meeting_date", req.MeetingDate)
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithDetail(msgInvalidDate, req.MeetingDate))
		return
	}
	if req.Phone != "" {
		// The booking provider's phone is not trusted; the lead is found by name.
		slog.Debug("Server.meetingScheduledHandler: ignoring provider phone", "phone", req.Phone)
	}

	reply, err := s.router.HandleMeetingScheduled(r.Context(), models.MeetingEvent{
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		MeetingAt: meetingAt,
		MeetLink:  strings.TrimSpace(req.MeetLink),
	})
	if err != nil {
		slog.Warn("Server.meetingScheduledHandler: failed to record meeting", "name", req.Name, "error", err)
		writeFlowError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.ReplyResponse{Success: true, Reply: reply.Text})
}

func (s *Server) processRemindersHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.reminders.Dispatch(r.Context())
	if err != nil {
		slog.Error("Server.processRemindersHandler: dispatch failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithDetail(msgUnexpected, err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.ReminderPollResponse{
		Success:     true,
		Processed:   res.Processed,
		Pending:     res.Pending,
		CurrentTime: s.formatTime(res.CurrentTime),
		Locked:      res.Locked,
	})
}

func (s *Server) processFollowUpsHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.followUps.Dispatch(r.Context())
	if err != nil {
		slog.Error("Server.processFollowUpsHandler: dispatch failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithDetail(msgUnexpected, err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.FollowUpPollResponse{
		Success:     true,
		Processed:   res.Processed,
		Skipped:     res.Skipped,
		Pending:     res.Pending,
		CurrentTime: s.formatTime(res.CurrentTime),
		Locked:      res.Locked,
	})
}

func (s *Server) formatTime(t time.Time) string {
	if t.IsZero() {
		t = s.opts.Now()
	}
	return t.In(s.opts.Location).Format(time.RFC3339)
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.opts.Now().UTC().Format(time.RFC3339),
	})
}
