// Package models defines the core data structures for LeadPipe.
//
// It includes the per-lead conversation records, the meeting and reminder records, and
// the pending reminder/follow-up items shared across modules.
package models

import (
	"errors"
	"time"
)

// Role identifies who authored a history entry.
type Role string

const (
	// RoleUser marks a message written by the lead.
	RoleUser Role = "user"
	// RoleAssistant marks a message sent by the bot.
	RoleAssistant Role = "assistant"
)

// IsValidRole checks if the given role can be stored in a lead history.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Tag marks significant events in a lead history.
type Tag string

const (
	TagNone                       Tag = ""
	TagInitial                    Tag = "initial"
	TagCalendarLink               Tag = "calendar_link"
	TagMeetingConfirmation        Tag = "meeting_confirmation"
	TagReminderPermissionAccepted Tag = "reminder_permission_accepted"
	TagReminderPermissionDenied   Tag = "reminder_permission_denied"
)

// ReminderTag returns the history tag used for a delivered reminder.
func ReminderTag(t ReminderType) Tag {
	return Tag("reminder_" + string(t))
}

// FollowUpTag returns the history tag used for a delivered follow-up.
func FollowUpTag(t FollowUpType) Tag {
	return Tag("followup_" + string(t))
}

// Error variables for better error handling and testability
var (
	ErrEmptyPhone       = errors.New("phone cannot be empty")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrInvalidRole      = errors.New("invalid history role")
	ErrEmptyName        = errors.New("name cannot be empty")
	ErrMissingMeetingAt = errors.New("meeting date is required")
)

// HistoryEntry is one message of a lead conversation.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Tag       Tag       `json:"tag,omitempty"`
}

// Validate checks that the entry can be appended to a history.
func (e HistoryEntry) Validate() error {
	if !IsValidRole(e.Role) {
		return ErrInvalidRole
	}
	if e.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}

// HasTag reports whether any entry of the history carries the given tag.
func HasTag(history []HistoryEntry, tag Tag) bool {
	for _, e := range history {
		if e.Tag == tag {
			return true
		}
	}
	return false
}

// LeadState is an informational state token per lead. It is never used for routing.
type LeadState struct {
	Phone     string    `json:"phone"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lead state tokens written on conversation transitions.
const (
	LeadStatePreScheduling    = "pre_scheduling"
	LeadStateLinkSent         = "link_sent"
	LeadStateMeetingScheduled = "meeting_scheduled"
	LeadStateRemindersGranted = "reminders_granted"
	LeadStateRemindersDenied  = "reminders_denied"
)

// PhoneNameMapping links a normalized lead name to the phone it wrote from.
type PhoneNameMapping struct {
	NormalizedName string    `json:"normalized_name"`
	Phone          string    `json:"phone"`
	OriginalName   string    `json:"original_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// MeetingStatus is the status of a booked meeting.
type MeetingStatus string

const (
	// MeetingStatusScheduled is the only status the booking webhook produces.
	MeetingStatusScheduled MeetingStatus = "scheduled"
)

// MeetingSchedule is the single active meeting of a lead.
type MeetingSchedule struct {
	Phone       string        `json:"phone"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	MeetingAt   time.Time     `json:"meeting_datetime"`
	MeetLink    string        `json:"meet_link,omitempty"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Status      MeetingStatus `json:"status"`
}

// PermissionStatus is the reminder opt-in status of a lead.
type PermissionStatus string

const (
	PermissionWaiting PermissionStatus = "waiting"
	PermissionGranted PermissionStatus = "granted"
	PermissionDenied  PermissionStatus = "denied"
)

// ReminderPermission holds the latest reminder opt-in answer of a lead together with
// the flag telling whether the bot is still waiting for that answer.
type ReminderPermission struct {
	Phone           string           `json:"phone"`
	Status          PermissionStatus `json:"status"`
	WaitingResponse bool             `json:"waiting_response"`
	AskedAt         *time.Time       `json:"asked_at,omitempty"`
	RespondedAt     *time.Time       `json:"responded_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// ReminderType identifies the offset of a reminder relative to the meeting start.
type ReminderType string

const (
	Reminder24h   ReminderType = "24h"
	Reminder3h    ReminderType = "3h"
	Reminder1h    ReminderType = "1h"
	Reminder30min ReminderType = "30min"
	ReminderStart ReminderType = "start"
)

// PendingReminder is a reminder waiting for its send time.
type PendingReminder struct {
	ID        string       `json:"id"`
	Phone     string       `json:"phone"`
	Name      string       `json:"name"`
	MeetingAt time.Time    `json:"meeting_datetime"`
	Type      ReminderType `json:"type"`
	SendAt    time.Time    `json:"send_at"`
	CreatedAt time.Time    `json:"created_at"`
}

// FollowUpType identifies the offset of a follow-up relative to the link send time.
type FollowUpType string

const (
	FollowUp2h  FollowUpType = "2h"
	FollowUp24h FollowUpType = "24h"
	FollowUp48h FollowUpType = "48h"
)

// PendingFollowUp is a follow-up waiting for its send time.
type PendingFollowUp struct {
	ID           string       `json:"id"`
	Phone        string       `json:"phone"`
	Name         string       `json:"name"`
	Type         FollowUpType `json:"type"`
	CalendarLink string       `json:"calendar_link"`
	SendAt       time.Time    `json:"send_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

// InboundType distinguishes first-contact messages from lead replies.
type InboundType string

const (
	InboundReply   InboundType = ""
	InboundInitial InboundType = "initial"
)

// InboundMessage is a message received from the messaging provider (or a first-contact
// message pushed by the lead source).
type InboundMessage struct {
	Phone     string      `json:"phone"`
	Name      string      `json:"name"`
	Message   string      `json:"message"`
	MessageID string      `json:"messageId,omitempty"`
	Type      InboundType `json:"type,omitempty"`
	Time      time.Time   `json:"time"`
}

// Validate checks the fields every inbound message needs.
func (m InboundMessage) Validate() error {
	if m.Phone == "" {
		return ErrEmptyPhone
	}
	if m.Message == "" {
		return ErrEmptyMessage
	}
	return nil
}

// MeetingEvent is the payload of the booking webhook.
type MeetingEvent struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	MeetingAt time.Time `json:"meeting_date"`
	MeetLink  string    `json:"meet_link,omitempty"`
}

// Validate checks the fields every booking event needs.
func (e MeetingEvent) Validate() error {
	if e.Name == "" {
		return ErrEmptyName
	}
	if e.MeetingAt.IsZero() {
		return ErrMissingMeetingAt
	}
	return nil
}
