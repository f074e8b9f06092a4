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
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// followUpOffsets lists every follow-up with its delay after the link was sent.
var followUpOffsets = []struct {
	Type   models.FollowUpType
	Offset time.Duration
}{
	{models.FollowUp2h, 2 * time.Hour},
	{models.FollowUp24h, 24 * time.Hour},
	{models.FollowUp48h, 48 * time.Hour},
}

const followUpTick = "followups"

// FollowUpService nudges leads who received the booking link but did not book.
type FollowUpService struct {
	st     store.Store
	sender Sender
	opts   Opts
}

// NewFollowUpService creates a FollowUpService.
func NewFollowUpService(st store.Store, sender Sender, opts ...Option) *FollowUpService {
	return &FollowUpService{st: st, sender: sender, opts: buildOpts(opts)}
}

// Schedule adds the three follow-ups of a lead, counted from now.
func (s *FollowUpService) Schedule(phone, name, calendarLink string) (int, error) {
	now := s.opts.Now()
	created := 0
	for _, fo := range followUpOffsets {
		f := models.PendingFollowUp{
			ID:           uuid.NewString(),
			Phone:        phone,
			Name:         name,
			Type:         fo.Type,
			CalendarLink: calendarLink,
			SendAt:       now.Add(fo.Offset),
			CreatedAt:    now,
		}
		if err := s.st.AddPendingFollowUp(f); err != nil {
			return created, fmt.Errorf("failed to add %s follow-up: %w", fo.Type, err)
		}
		created++
	}
	slog.Debug("FollowUpService.Schedule: follow-ups scheduled", "phone", phone, "count", created)
	return created, nil
}

// CancelForPhone removes every pending follow-up of phone.
func (s *FollowUpService) CancelForPhone(phone string) (int, error) {
	n, err := s.st.DeletePendingFollowUpsByPhone(phone)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel follow-ups: %w", err)
	}
	return n, nil
}

// CancelForName removes every pending follow-up whose lead name matches name by
// bidirectional substring after normalization.
func (s *FollowUpService) CancelForName(name string) (int, error) {
	target := util.NormalizeName(name)
	if target == "" {
		return 0, nil
	}
	pending, err := s.st.ListPendingFollowUps()
	if err != nil {
		return 0, fmt.Errorf("failed to list follow-ups: %w", err)
	}
	removed := 0
	for _, f := range pending {
		if !util.NamesMatch(util.NormalizeName(f.Name), target) {
			continue
		}
		ok, err := s.st.DeletePendingFollowUp(f.ID)
		if err != nil {
			return removed, fmt.Errorf("failed to cancel follow-up %s: %w", f.ID, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Dispatch removes the follow-ups of leads that booked a meeting, whatever their due
// time, and delivers the remaining due ones. Each item is claimed by deleting it.
func (s *FollowUpService) Dispatch(ctx context.Context) (DispatchResult, error) {
	now := s.opts.Now()
	res := DispatchResult{CurrentTime: now}

	release, err := s.opts.TickLocker.TryAcquire(ctx, followUpTick)
	if errors.Is(err, locking.ErrLockHeld) {
		slog.Info("FollowUpService.Dispatch: another run in progress, skipping")
		res.Locked = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer release()

	pending, err := s.st.ListPendingFollowUps()
	if err != nil {
		return res, fmt.Errorf("failed to list pending follow-ups: %w", err)
	}
	for _, f := range pending {
		meeting, err := s.st.GetMeeting(f.Phone)
		if err != nil {
			slog.Error("FollowUpService.Dispatch: failed to read meeting", "id", f.ID, "phone", f.Phone, "error", err)
			continue
		}
		if meeting == nil && f.SendAt.After(now) {
			continue
		}
		claimed, err := s.st.DeletePendingFollowUp(f.ID)
		if err != nil {
			slog.Error("FollowUpService.Dispatch: failed to claim follow-up", "id", f.ID, "phone", f.Phone, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		if meeting != nil {
			slog.Debug("FollowUpService.Dispatch: lead booked, follow-up cancelled", "id", f.ID, "phone", f.Phone)
			res.Skipped++
			s.opts.Metrics.incDispatch("followup", OutcomeCancelled)
			continue
		}
		res.Processed++
		if err := s.deliver(ctx, f); err != nil {
			res.Failed++
		}
	}

	remaining, err := s.st.ListPendingFollowUps()
	if err != nil {
		return res, fmt.Errorf("failed to count pending follow-ups: %w", err)
	}
	res.Pending = len(remaining)
	slog.Info("FollowUpService.Dispatch: run complete", "processed", res.Processed, "skipped", res.Skipped,
		"failed", res.Failed, "pending", res.Pending)
	return res, nil
}

func (s *FollowUpService) deliver(ctx context.Context, f models.PendingFollowUp) error {
	link := f.CalendarLink
	if link == "" {
		link = s.opts.CalendarLink
	}
	body := FollowUpMessage(f.Type, f.Name, link)
	err := send(ctx, s.sender, s.opts.SendTimeout, f.Phone, body, "")
	s.opts.Metrics.incOutbound("followup", err)
	if err != nil {
		slog.Error("FollowUpService.deliver: send failed, follow-up dropped", "id", f.ID, "phone", f.Phone, "type", f.Type, "error", err)
		s.opts.Metrics.incDispatch("followup", OutcomeFailed)
		return err
	}
	s.opts.Metrics.incDispatch("followup", OutcomeSent)
	entry := models.HistoryEntry{Role: models.RoleAssistant, Message: body, Timestamp: s.opts.Now(), Tag: models.FollowUpTag(f.Type)}
	if err := s.st.AppendHistory(f.Phone, entry); err != nil {
		slog.Error("FollowUpService.deliver: failed to append history", "phone", f.Phone, "error", err)
	}
	return nil
}
