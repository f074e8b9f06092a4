package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Branches of the conversation, reported in Reply and in the inbound metric.
const (
	BranchInitial            = "initial"
	BranchReminderPermission = "reminder_permission"
	BranchCalendarLink       = "calendar_link"
	BranchConversation       = "conversation"
	BranchMeetingScheduled   = "meeting_scheduled"
)

// Reply is the message the bot answered with.
type Reply struct {
	Phone  string
	Text   string
	Branch string
}

// Router walks every lead through the scheduling conversation. The branch taken by an
// inbound message depends only on stored state, checked in this order: a pending
// reminder question, an existing meeting, and otherwise the pre-scheduling exchange.
type Router struct {
	st        store.Store
	sender    Sender
	responder *Responder
	reminders *ReminderService
	followUps *FollowUpService
	opts      Opts
}

// NewRouter creates a Router.
func NewRouter(st store.Store, sender Sender, responder *Responder, reminders *ReminderService, followUps *FollowUpService, opts ...Option) *Router {
	return &Router{
		st:        st,
		sender:    sender,
		responder: responder,
		reminders: reminders,
		followUps: followUps,
		opts:      buildOpts(opts),
	}
}

// Process handles msg and drops the reply. It matches messaging.InboundFunc.
func (r *Router) Process(ctx context.Context, msg models.InboundMessage) error {
	_, err := r.HandleInbound(ctx, msg)
	return err
}

// HandleInbound routes one inbound message. Messages of the same phone are handled one
// at a time.
func (r *Router) HandleInbound(ctx context.Context, msg models.InboundMessage) (*Reply, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	phone, err := util.ValidatePhone(msg.Phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		name = DefaultLeadName
	}

	unlock := r.opts.KeyLocks.Lock(phone)
	defer unlock()

	r.saveNameMapping(phone, name)

	if msg.Type == models.InboundInitial {
		return r.handleInitial(ctx, phone, msg)
	}

	userEntry := models.HistoryEntry{Role: models.RoleUser, Message: msg.Message, Timestamp: r.opts.Now()}
	if err := r.st.AppendHistory(phone, userEntry); err != nil {
		return nil, fmt.Errorf("failed to save inbound message: %w", err)
	}

	perm, err := r.st.GetReminderPermission(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load reminder permission: %w", err)
	}
	if perm != nil && perm.WaitingResponse {
		return r.handleReminderReply(ctx, phone, name, msg.Message, *perm)
	}

	meeting, err := r.st.GetMeeting(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting: %w", err)
	}
	if meeting != nil {
		return r.converse(ctx, phone)
	}
	return r.handlePreScheduling(ctx, phone, name, msg.Message)
}

// handleInitial records and delivers a first-contact message pushed by the lead source.
func (r *Router) handleInitial(ctx context.Context, phone string, msg models.InboundMessage) (*Reply, error) {
	r.opts.Metrics.incInbound(BranchInitial)
	entry := models.HistoryEntry{Role: models.RoleAssistant, Message: msg.Message, Timestamp: r.opts.Now(), Tag: models.TagInitial}
	if err := r.st.AppendHistory(phone, entry); err != nil {
		return nil, fmt.Errorf("failed to save initial message: %w", err)
	}
	r.setLeadState(phone, models.LeadStatePreScheduling)

	err := send(ctx, r.sender, r.opts.SendTimeout, phone, msg.Message, msg.MessageID)
	r.opts.Metrics.incOutbound(BranchInitial, err)
	if err != nil {
		slog.Error("Router.handleInitial: send failed", "phone", phone, "error", err)
	}
	return &Reply{Phone: phone, Text: msg.Message, Branch: BranchInitial}, nil
}

func (r *Router) handleReminderReply(ctx context.Context, phone, name, text string, perm models.ReminderPermission) (*Reply, error) {
	r.opts.Metrics.incInbound(BranchReminderPermission)
	now := r.opts.Now()
	answer := ClassifyReminderReply(text)
	slog.Debug("Router.handleReminderReply: classified answer", "phone", phone, "answer", answer)

	var body string
	tag := models.TagNone
	switch answer {
	case ReminderReplyAccept:
		perm.Status = models.PermissionGranted
		perm.WaitingResponse = false
		perm.RespondedAt = &now
		perm.UpdatedAt = now
		if err := r.st.SaveReminderPermission(perm); err != nil {
			return nil, fmt.Errorf("failed to save reminder permission: %w", err)
		}
		if _, err := r.reminders.CancelForPhone(phone); err != nil {
			return nil, err
		}
		meeting, err := r.st.GetMeeting(phone)
		if err != nil {
			return nil, fmt.Errorf("failed to load meeting: %w", err)
		}
		if meeting != nil {
			leadName := meeting.Name
			if leadName == "" {
				leadName = name
			}
			if _, err := r.reminders.Schedule(phone, leadName, meeting.MeetingAt); err != nil {
				return nil, err
			}
		}
		r.setLeadState(phone, models.LeadStateRemindersGranted)
		body, tag = remindersAcceptedMessage, models.TagReminderPermissionAccepted
	case ReminderReplyReject:
		perm.Status = models.PermissionDenied
		perm.WaitingResponse = false
		perm.RespondedAt = &now
		perm.UpdatedAt = now
		if err := r.st.SaveReminderPermission(perm); err != nil {
			return nil, fmt.Errorf("failed to save reminder permission: %w", err)
		}
		if _, err := r.reminders.CancelForPhone(phone); err != nil {
			return nil, err
		}
		r.setLeadState(phone, models.LeadStateRemindersDenied)
		body, tag = remindersDeniedMessage, models.TagReminderPermissionDenied
	default:
		body = remindersReaskMessage
	}

	if _, err := r.deliver(ctx, phone, body, tag, BranchReminderPermission); err != nil {
		return nil, err
	}
	return &Reply{Phone: phone, Text: body, Branch: BranchReminderPermission}, nil
}

func (r *Router) handlePreScheduling(ctx context.Context, phone, name, text string) (*Reply, error) {
	history, err := r.st.GetHistory(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if models.HasTag(history, models.TagCalendarLink) || !IsConfirmation(text) {
		return r.converse(ctx, phone)
	}

	r.opts.Metrics.incInbound(BranchCalendarLink)
	body := CalendarLinkMessage(name, r.opts.CalendarLink)
	sent, err := r.deliver(ctx, phone, body, models.TagCalendarLink, BranchCalendarLink)
	if err != nil {
		return nil, err
	}
	if !sent {
		// Without the tag the next confirmation sends the link again.
		return &Reply{Phone: phone, Text: body, Branch: BranchCalendarLink}, nil
	}
	if _, err := r.followUps.Schedule(phone, name, r.opts.CalendarLink); err != nil {
		return nil, err
	}
	r.setLeadState(phone, models.LeadStateLinkSent)
	return &Reply{Phone: phone, Text: body, Branch: BranchCalendarLink}, nil
}

// converse answers with the language model. When the completion fails nothing is sent
// and the lead's own message stays in the history.
func (r *Router) converse(ctx context.Context, phone string) (*Reply, error) {
	r.opts.Metrics.incInbound(BranchConversation)
	history, err := r.st.GetHistory(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	text, err := r.responder.Respond(ctx, history)
	if err != nil {
		return nil, err
	}
	if _, err := r.deliver(ctx, phone, text, models.TagNone, BranchConversation); err != nil {
		return nil, err
	}
	return &Reply{Phone: phone, Text: text, Branch: BranchConversation}, nil
}

// HandleMeetingScheduled links a booking to the lead that wrote from the same name,
// replaces the lead's meeting and asks whether reminders are wanted.
func (r *Router) HandleMeetingScheduled(ctx context.Context, ev models.MeetingEvent) (*Reply, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	phone, err := r.ResolvePhone(ev.Name)
	if err != nil {
		return nil, err
	}
	if phone == "" {
		slog.Warn("Router.HandleMeetingScheduled: no phone for name", "name", ev.Name)
		return nil, fmt.Errorf("%w: %s", ErrLeadNotFound, ev.Name)
	}

	unlock := r.opts.KeyLocks.Lock(phone)
	defer unlock()
	r.opts.Metrics.incInbound(BranchMeetingScheduled)

	byPhone, err := r.followUps.CancelForPhone(phone)
	if err != nil {
		return nil, err
	}
	byName, err := r.followUps.CancelForName(ev.Name)
	if err != nil {
		return nil, err
	}
	if _, err := r.reminders.CancelForPhone(phone); err != nil {
		return nil, err
	}
	slog.Debug("Router.HandleMeetingScheduled: follow-ups cancelled", "phone", phone, "by_phone", byPhone, "by_name", byName)

	now := r.opts.Now()
	meeting := models.MeetingSchedule{
		Phone:       phone,
		Name:        ev.Name,
		Email:       ev.Email,
		MeetingAt:   ev.MeetingAt,
		MeetLink:    ev.MeetLink,
		ScheduledAt: now,
		Status:      models.MeetingStatusScheduled,
	}
	if err := r.st.SaveMeeting(meeting); err != nil {
		return nil, fmt.Errorf("failed to save meeting: %w", err)
	}
	perm := models.ReminderPermission{
		Phone:           phone,
		Status:          models.PermissionWaiting,
		WaitingResponse: true,
		AskedAt:         &now,
		UpdatedAt:       now,
	}
	if err := r.st.SaveReminderPermission(perm); err != nil {
		return nil, fmt.Errorf("failed to save reminder permission: %w", err)
	}
	r.setLeadState(phone, models.LeadStateMeetingScheduled)

	body := ReminderOptInMessage(ev.Name, FormatMeetingDate(ev.MeetingAt, r.opts.Location))
	if _, err := r.deliver(ctx, phone, body, models.TagMeetingConfirmation, BranchMeetingScheduled); err != nil {
		return nil, err
	}
	slog.Info("Router.HandleMeetingScheduled: meeting recorded", "phone", phone, "meeting_at", ev.MeetingAt)
	return &Reply{Phone: phone, Text: body, Branch: BranchMeetingScheduled}, nil
}

// ResolvePhone finds the phone a lead wrote from by name: an exact match on the
// normalized name first, then the most recent mapping whose name contains, or is
// contained in, the given one. It returns "" when nothing matches.
func (r *Router) ResolvePhone(name string) (string, error) {
	target := util.NormalizeName(name)
	if target == "" {
		return "", nil
	}
	m, err := r.st.GetNameMapping(target)
	if err != nil {
		return "", fmt.Errorf("failed to look up name: %w", err)
	}
	if m != nil {
		return m.Phone, nil
	}
	all, err := r.st.ListNameMappings()
	if err != nil {
		return "", fmt.Errorf("failed to list name mappings: %w", err)
	}
	var best *models.PhoneNameMapping
	for i := range all {
		if !util.NamesMatch(all[i].NormalizedName, target) {
			continue
		}
		if best == nil || all[i].CreatedAt.After(best.CreatedAt) {
			best = &all[i]
		}
	}
	if best == nil {
		return "", nil
	}
	slog.Debug("Router.ResolvePhone: fuzzy name match", "name", name, "matched", best.OriginalName, "phone", best.Phone)
	return best.Phone, nil
}

// deliver sends body and, once delivered, records it in the history. It reports
// whether the send succeeded; send failures are logged and counted only, while a
// failure to record a delivered message is returned.
func (r *Router) deliver(ctx context.Context, phone, body string, tag models.Tag, kind string) (bool, error) {
	err := send(ctx, r.sender, r.opts.SendTimeout, phone, body, "")
	r.opts.Metrics.incOutbound(kind, err)
	if err != nil {
		slog.Error("Router.deliver: send failed", "phone", phone, "kind", kind, "error", err)
		return false, nil
	}
	entry := models.HistoryEntry{Role: models.RoleAssistant, Message: body, Timestamp: r.opts.Now(), Tag: tag}
	if err := r.st.AppendHistory(phone, entry); err != nil {
		slog.Error("Router.deliver: failed to append history", "phone", phone, "kind", kind, "error", err)
		return true, fmt.Errorf("failed to save reply: %w", err)
	}
	return true, nil
}

func (r *Router) saveNameMapping(phone, name string) {
	if name == DefaultLeadName {
		return
	}
	normalized := util.NormalizeName(name)
	if normalized == "" {
		return
	}
	m := models.PhoneNameMapping{NormalizedName: normalized, Phone: phone, OriginalName: name, CreatedAt: r.opts.Now()}
	if err := r.st.SaveNameMapping(m); err != nil {
		slog.Warn("Router.saveNameMapping: failed to save mapping", "phone", phone, "name", name, "error", err)
	}
}

func (r *Router) setLeadState(phone, state string) {
	if err := r.st.SetLeadState(phone, state); err != nil {
		slog.Warn("Router.setLeadState: failed to update lead state", "phone", phone, "state", state, "error", err)
	}
}
