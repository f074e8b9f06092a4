package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/locking"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// reminderOffsets lists every reminder with its offset before the meeting start.
var reminderOffsets = []struct {
	Type   models.ReminderType
	Offset time.Duration
}{
	{models.Reminder24h, 24 * time.Hour},
	{models.Reminder3h, 3 * time.Hour},
	{models.Reminder1h, time.Hour},
	{models.Reminder30min, 30 * time.Minute},
	{models.ReminderStart, 0},
}

const reminderTick = "reminders"

// ReminderService schedules meeting reminders and delivers the due ones.
type ReminderService struct {
	st     store.Store
	sender Sender
	opts   Opts
}

// NewReminderService creates a ReminderService.
func NewReminderService(st store.Store, sender Sender, opts ...Option) *ReminderService {
	return &ReminderService{st: st, sender: sender, opts: buildOpts(opts)}
}

// Schedule appends the reminders of a meeting whose send time is still ahead. The start
// reminder is always added, even when the meeting has already begun. Existing reminders
// of the phone are left alone.
func (s *ReminderService) Schedule(phone, name string, meetingAt time.Time) (int, error) {
	now := s.opts.Now()
	created := 0
	for _, ro := range reminderOffsets {
		sendAt := meetingAt.Add(-ro.Offset)
		if !sendAt.After(now) && ro.Type != models.ReminderStart {
			continue
		}
		r := models.PendingReminder{
			ID:        uuid.NewString(),
			Phone:     phone,
			Name:      name,
			MeetingAt: meetingAt,
			Type:      ro.Type,
			SendAt:    sendAt,
			CreatedAt: now,
		}
		if err := s.st.AddPendingReminder(r); err != nil {
			return created, fmt.Errorf("failed to add %s reminder: %w", ro.Type, err)
		}
		created++
	}
	slog.Debug("ReminderService.Schedule: reminders scheduled", "phone", phone, "count", created, "meeting_at", meetingAt)
	return created, nil
}

// CancelForPhone removes every pending reminder of phone.
func (s *ReminderService) CancelForPhone(phone string) (int, error) {
	n, err := s.st.DeletePendingRemindersByPhone(phone)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel reminders: %w", err)
	}
	if n > 0 {
		slog.Debug("ReminderService.CancelForPhone: reminders cancelled", "phone", phone, "count", n)
	}
	return n, nil
}

// Dispatch evaluates every due reminder exactly once: it is claimed by deleting it and
// then delivered when the lead granted reminders, or dropped otherwise. Items not yet
// due are left for a later run. Per-item errors are logged and do not stop the run.
func (s *ReminderService) Dispatch(ctx context.Context) (DispatchResult, error) {
	now := s.opts.Now()
	res := DispatchResult{CurrentTime: now}

	release, err := s.opts.TickLocker.TryAcquire(ctx, reminderTick)
	if errors.Is(err, locking.ErrLockHeld) {
		slog.Info("ReminderService.Dispatch: another run in progress, skipping")
		res.Locked = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer release()

	pending, err := s.st.ListPendingReminders()
	if err != nil {
		return res, fmt.Errorf("failed to list pending reminders: %w", err)
	}
	for _, r := range pending {
		if r.SendAt.After(now) {
			continue
		}
		perm, err := s.st.GetReminderPermission(r.Phone)
		if err != nil {
			slog.Error("ReminderService.Dispatch: failed to read permission", "id", r.ID, "phone", r.Phone, "error", err)
			continue
		}
		claimed, err := s.st.DeletePendingReminder(r.ID)
		if err != nil {
			slog.Error("ReminderService.Dispatch: failed to claim reminder", "id", r.ID, "phone", r.Phone, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if perm == nil || perm.Status != models.PermissionGranted {
			slog.Debug("ReminderService.Dispatch: reminders not granted, dropping", "id", r.ID, "phone", r.Phone, "type", r.Type)
			res.Skipped++
			s.opts.Metrics.incDispatch("reminder", OutcomeSkipped)
			continue
		}
		res.Processed++
		if err := s.deliver(ctx, r); err != nil {
			res.Failed++
		}
	}

	remaining, err := s.st.ListPendingReminders()
	if err != nil {
		return res, fmt.Errorf("failed to count pending reminders: %w", err)
	}
	res.Pending = len(remaining)
	slog.Info("ReminderService.Dispatch: run complete", "processed", res.Processed, "skipped", res.Skipped,
		"failed", res.Failed, "pending", res.Pending)
	return res, nil
}

func (s *ReminderService) deliver(ctx context.Context, r models.PendingReminder) error {
	var meetLink string
	meeting, err := s.st.GetMeeting(r.Phone)
	if err != nil {
		slog.Warn("ReminderService.deliver: failed to load meeting", "phone", r.Phone, "error", err)
	} else if meeting != nil {
		meetLink = meeting.MeetLink
	}
	body := ReminderMessage(r.Type, r.Name, FormatMeetingDate(r.MeetingAt, s.opts.Location), meetLink)

	err = send(ctx, s.sender, s.opts.SendTimeout, r.Phone, body, "")
	s.opts.Metrics.incOutbound("reminder", err)
	if err != nil {
		// The reminder is already claimed; it is not re-queued.
		slog.Error("ReminderService.deliver: send failed, reminder dropped", "id", r.ID, "phone", r.Phone, "type", r.Type, "error", err)
		s.opts.Metrics.incDispatch("reminder", OutcomeFailed)
		return err
	}
	s.opts.Metrics.incDispatch("reminder", OutcomeSent)
	entry := models.HistoryEntry{Role: models.RoleAssistant, Message: body, Timestamp: s.opts.Now(), Tag: models.ReminderTag(r.Type)}
	if err := s.st.AppendHistory(r.Phone, entry); err != nil {
		slog.Error("ReminderService.deliver: failed to append history", "phone", r.Phone, "error", err)
	}
	slog.Debug("ReminderService.deliver: reminder sent", "id", r.ID, "phone", r.Phone, "type", r.Type)
	return nil
}
