package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	tu "github.com/BTreeMap/LeadPipe/internal/testutil"
)

const testPhone = "5511999998888"

type fixture struct {
	st        *store.InMemoryStore
	sender    *tu.RecordingSender
	llm       *tu.FakeCompleter
	metrics   *Metrics
	reminders *ReminderService
	followUps *FollowUpService
	router    *Router
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newWrappedFixture(t, nil)
}

// newWrappedFixture builds the services on wrap(store) while f.st stays the plain
// in-memory store for assertions.
func newWrappedFixture(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	f := &fixture{
		st:      store.NewInMemoryStore(),
		sender:  tu.NewRecordingSender(),
		llm:     &tu.FakeCompleter{Reply: "Olá! Posso ajudar?"},
		metrics: NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	opts := []Option{
		WithClock(func() time.Time { return f.now }),
		WithMetrics(f.metrics),
		WithCalendarLink("https://cal.example/book"),
	}
	var st store.Store = f.st
	if wrap != nil {
		st = wrap(st)
	}
	f.reminders = NewReminderService(st, f.sender, opts...)
	f.followUps = NewFollowUpService(st, f.sender, opts...)
	f.router = NewRouter(st, f.sender, NewResponder(f.llm, "https://cal.example/book", f.metrics), f.reminders, f.followUps, opts...)
	return f
}

var errStoreDown = errors.New("store unavailable")

// faultyStore fails selected operations of the wrapped store.
type faultyStore struct {
	store.Store
	appendTag    models.Tag // AppendHistory fails for entries carrying this tag
	permPhone    string     // GetReminderPermission fails for this phone
	meetingPhone string     // GetMeeting fails for this phone
}

func (s *faultyStore) AppendHistory(phone string, entry models.HistoryEntry) error {
	if s.appendTag != "" && entry.Tag == s.appendTag {
		return errStoreDown
	}
	return s.Store.AppendHistory(phone, entry)
}

func (s *faultyStore) GetReminderPermission(phone string) (*models.ReminderPermission, error) {
	if phone == s.permPhone {
		return nil, errStoreDown
	}
	return s.Store.GetReminderPermission(phone)
}

func (s *faultyStore) GetMeeting(phone string) (*models.MeetingSchedule, error) {
	if phone == s.meetingPhone {
		return nil, errStoreDown
	}
	return s.Store.GetMeeting(phone)
}

func (f *fixture) inbound(t *testing.T, name, text string) *Reply {
	t.Helper()
	reply, err := f.router.HandleInbound(context.Background(), models.InboundMessage{Phone: "11999998888", Name: name, Message: text})
	if err != nil {
		t.Fatalf("HandleInbound(%q) failed: %v", text, err)
	}
	return reply
}

func (f *fixture) countTag(t *testing.T, tag models.Tag) int {
	t.Helper()
	n := 0
	for _, got := range tu.HistoryTags(t, f.st, testPhone) {
		if got == tag {
			n++
		}
	}
	return n
}

func TestIsConfirmation(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"pode sim, vamos marcar", true},
		{"SIM", true},
		{"  Beleza!  ", true},
		{"topo", true},
		{"não sei ainda", false},
		{"", false},
		{"talvez depois", false},
	}
	for _, tt := range tests {
		if got := IsConfirmation(tt.msg); got != tt.want {
			t.Errorf("IsConfirmation(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestClassifyReminderReply(t *testing.T) {
	tests := []struct {
		msg  string
		want ReminderReply
	}{
		{"sim", ReminderReplyAccept},
		{"Quero sim, por favor", ReminderReplyAccept},
		{"não quero", ReminderReplyReject},
		{"nao precisa", ReminderReplyReject},
		{"dispenso", ReminderReplyReject},
		{"qual o horário mesmo?", ReminderReplyUnclear},
	}
	for _, tt := range tests {
		if got := ClassifyReminderReply(tt.msg); got != tt.want {
			t.Errorf("ClassifyReminderReply(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestFormatMeetingDate(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	at := time.Date(2025, 3, 12, 17, 30, 0, 0, time.UTC)
	if got := FormatMeetingDate(at, loc); got != "12/03/2025 às 14:30" {
		t.Errorf("unexpected date %q", got)
	}
}

func TestReminderStartMessage(t *testing.T) {
	with := ReminderMessage(models.ReminderStart, "Ana", "", "https://meet.example/abc")
	without := ReminderMessage(models.ReminderStart, "Ana", "", "")
	if with == without {
		t.Fatal("start reminder should differ with and without a meeting link")
	}
	if !strings.Contains(with, "https://meet.example/abc") {
		t.Errorf("start reminder missing link: %q", with)
	}
	if !strings.Contains(without, meetLinkPlaceholder) {
		t.Errorf("start reminder missing placeholder: %q", without)
	}
}

func TestHandleInbound_ConfirmationSendsLink(t *testing.T) {
	f := newFixture(t)
	reply := f.inbound(t, "Ana", "sim")

	if reply.Branch != BranchCalendarLink {
		t.Fatalf("expected calendar link branch, got %s", reply.Branch)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].To != testPhone {
		t.Fatalf("expected one message to %s, got %+v", testPhone, sent)
	}
	if sent[0].Body != CalendarLinkMessage("Ana", "https://cal.example/book") {
		t.Errorf("unexpected link message %q", sent[0].Body)
	}

	history, _ := f.st.GetHistory(testPhone)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Message != "sim" {
		t.Errorf("unexpected first entry %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Tag != models.TagCalendarLink {
		t.Errorf("unexpected second entry %+v", history[1])
	}

	followUps, _ := f.st.ListPendingFollowUps()
	if len(followUps) != 3 {
		t.Fatalf("expected 3 follow-ups, got %d", len(followUps))
	}
	wantOffsets := []time.Duration{2 * time.Hour, 24 * time.Hour, 48 * time.Hour}
	for i, fu := range followUps {
		if got := fu.SendAt.Sub(f.now); got != wantOffsets[i] {
			t.Errorf("follow-up %d: expected offset %v, got %v", i, wantOffsets[i], got)
		}
		if fu.CalendarLink != "https://cal.example/book" || fu.Name != "Ana" {
			t.Errorf("follow-up %d: unexpected payload %+v", i, fu)
		}
	}
	if f.llm.Calls() != 0 {
		t.Error("confirmation must not call the language model")
	}
	state, _ := f.st.GetLeadState(testPhone)
	if state == nil || state.State != models.LeadStateLinkSent {
		t.Errorf("expected link_sent state, got %+v", state)
	}
}

func TestHandleInbound_LinkSentOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.inbound(t, "Ana", "sim")
	reply := f.inbound(t, "Ana", "pode sim")
	f.inbound(t, "Ana", "ok, beleza")

	if reply.Branch != BranchConversation {
		t.Errorf("expected conversation branch after link, got %s", reply.Branch)
	}
	if n := f.countTag(t, models.TagCalendarLink); n != 1 {
		t.Errorf("expected exactly one calendar_link entry, got %d", n)
	}
	if f.llm.Calls() != 2 {
		t.Errorf("expected 2 completions, got %d", f.llm.Calls())
	}
	if followUps, _ := f.st.ListPendingFollowUps(); len(followUps) != 3 {
		t.Errorf("follow-ups must be scheduled once, got %d", len(followUps))
	}
}

func TestHandleInbound_NonConfirmationUsesLLM(t *testing.T) {
	f := newFixture(t)
	reply := f.inbound(t, "Ana", "qual o valor da consultoria?")

	if reply.Text != "Olá! Posso ajudar?" || reply.Branch != BranchConversation {
		t.Fatalf("unexpected reply %+v", reply)
	}
	transcript := f.llm.LastTranscript()
	if len(transcript) != 2 {
		t.Fatalf("expected system prompt + 1 message, got %d", len(transcript))
	}
	if transcript[0].OfSystem == nil || transcript[1].OfUser == nil {
		t.Error("expected system then user message")
	}
	history, _ := f.st.GetHistory(testPhone)
	if len(history) != 2 || history[1].Tag != models.TagNone || history[1].Message != reply.Text {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestHandleInbound_EmptyCompletionUsesFallback(t *testing.T) {
	f := newFixture(t)
	f.llm.Reply = "   "
	reply := f.inbound(t, "Ana", "hmm")
	if reply.Text != FallbackReply {
		t.Errorf("expected fallback reply, got %q", reply.Text)
	}
}

func TestHandleInbound_UpstreamFailure(t *testing.T) {
	f := newFixture(t)
	f.llm.Err = errors.New("503 service unavailable")

	_, err := f.router.HandleInbound(context.Background(), models.InboundMessage{Phone: "11999998888", Name: "Ana", Message: "hmm"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if len(f.sender.Sent()) != 0 {
		t.Error("nothing must be sent when the completion fails")
	}
	history, _ := f.st.GetHistory(testPhone)
	if len(history) != 1 || history[0].Role != models.RoleUser {
		t.Errorf("only the inbound message must remain, got %+v", history)
	}
}

func TestHandleInbound_InvalidInput(t *testing.T) {
	f := newFixture(t)
	tests := []models.InboundMessage{
		{Message: "oi"},
		{Phone: "11999998888"},
		{Phone: "abc", Message: "oi"},
	}
	for _, msg := range tests {
		if _, err := f.router.HandleInbound(context.Background(), msg); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("HandleInbound(%+v): expected ErrInvalidInput, got %v", msg, err)
		}
	}
	if len(f.sender.Sent()) != 0 {
		t.Error("invalid input must have no side effects")
	}
}

func TestHandleInbound_InitialMessage(t *testing.T) {
	f := newFixture(t)
	reply, err := f.router.HandleInbound(context.Background(), models.InboundMessage{
		Phone: "11999998888", Name: "Ana Souza", Message: "Olá Ana! Vi seu interesse.", MessageID: "wamid-1", Type: models.InboundInitial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Branch != BranchInitial {
		t.Errorf("expected initial branch, got %s", reply.Branch)
	}
	sent := f.sender.Sent()
	if len(sent) != 1 || sent[0].MessageID != "wamid-1" {
		t.Fatalf("expected one reply to wamid-1, got %+v", sent)
	}
	history, _ := f.st.GetHistory(testPhone)
	if len(history) != 1 || history[0].Role != models.RoleAssistant || history[0].Tag != models.TagInitial {
		t.Errorf("unexpected history %+v", history)
	}
	if m, _ := f.st.GetNameMapping("ana souza"); m == nil || m.Phone != testPhone {
		t.Errorf("expected name mapping, got %+v", m)
	}
}

func TestHandleInbound_DefaultNameNotMapped(t *testing.T) {
	f := newFixture(t)
	f.inbound(t, "", "oi")
	mappings, _ := f.st.ListNameMappings()
	if len(mappings) != 0 {
		t.Errorf("default name must not be mapped, got %+v", mappings)
	}
}

func TestHandleInbound_SendFailureKeepsLinkPending(t *testing.T) {
	f := newFixture(t)
	f.sender.Err = errors.New("provider down")
	f.inbound(t, "Ana", "sim")
	if f.countTag(t, models.TagCalendarLink) != 0 {
		t.Error("undelivered link must not be tagged")
	}
	if followUps, _ := f.st.ListPendingFollowUps(); len(followUps) != 0 {
		t.Errorf("no follow-ups expected, got %d", len(followUps))
	}
	if got := testutil.ToFloat64(f.metrics.outbound.WithLabelValues(BranchCalendarLink, OutcomeFailed)); got != 1 {
		t.Errorf("expected one failed send recorded, got %v", got)
	}

	f.sender.Err = nil
	f.inbound(t, "Ana", "sim")
	if f.countTag(t, models.TagCalendarLink) != 1 {
		t.Error("link should be sent on the next confirmation")
	}
}

func TestHandleInbound_LinkNotRecordedFailsRequest(t *testing.T) {
	f := newWrappedFixture(t, func(st store.Store) store.Store {
		return &faultyStore{Store: st, appendTag: models.TagCalendarLink}
	})
	msg := models.InboundMessage{Phone: "11999998888", Name: "Ana", Message: "sim"}

	for turn := 0; turn < 2; turn++ {
		reply, err := f.router.HandleInbound(context.Background(), msg)
		if !errors.Is(err, errStoreDown) {
			t.Fatalf("turn %d: expected store error, got reply=%+v err=%v", turn, reply, err)
		}
	}
	if pending, _ := f.st.ListPendingFollowUps(); len(pending) != 0 {
		t.Errorf("follow-ups must not be scheduled for an unrecorded link, got %d", len(pending))
	}
	if f.countTag(t, models.TagCalendarLink) != 0 {
		t.Error("calendar_link must not be recorded")
	}
}

func TestHandleMeetingScheduled(t *testing.T) {
	f := newFixture(t)
	f.inbound(t, "Ana Souza", "sim")
	meetingAt := f.now.Add(48 * time.Hour)

	reply, err := f.router.HandleMeetingScheduled(context.Background(), models.MeetingEvent{
		Name: "Ana Souza", Email: "ana@example.com", MeetingAt: meetingAt, MeetLink: "https://meet.example/abc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Phone != testPhone {
		t.Errorf("expected phone %s, got %s", testPhone, reply.Phone)
	}
	if followUps, _ := f.st.ListPendingFollowUps(); len(followUps) != 0 {
		t.Errorf("follow-ups must be cancelled, %d left", len(followUps))
	}
	meeting, _ := f.st.GetMeeting(testPhone)
	if meeting == nil || !meeting.MeetingAt.Equal(meetingAt) || meeting.Status != models.MeetingStatusScheduled {
		t.Fatalf("unexpected meeting %+v", meeting)
	}
	perm, _ := f.st.GetReminderPermission(testPhone)
	if perm == nil || !perm.WaitingResponse || perm.Status != models.PermissionWaiting {
		t.Fatalf("expected waiting permission, got %+v", perm)
	}
	if f.countTag(t, models.TagMeetingConfirmation) != 1 {
		t.Error("expected meeting_confirmation entry")
	}
	sent := f.sender.Sent()
	if last := sent[len(sent)-1]; last.Body != reply.Text {
		t.Errorf("expected opt-in question to be sent, got %q", last.Body)
	}
}

func TestHandleMeetingScheduled_FuzzyName(t *testing.T) {
	f := newFixture(t)
	f.inbound(t, "Ana", "oi")
	f.now = f.now.Add(time.Minute)
	if _, err := f.router.HandleInbound(context.Background(), models.InboundMessage{Phone: "21988887777", Name: "Anabela", Message: "oi"}); err != nil {
		t.Fatal(err)
	}

	phone, err := f.router.ResolvePhone("Ana Souza")
	if err != nil {
		t.Fatal(err)
	}
	if phone != testPhone {
		t.Errorf("expected %s, got %s", testPhone, phone)
	}
	phone, _ = f.router.ResolvePhone("ANA")
	if phone != testPhone {
		t.Errorf("exact match must win, got %s", phone)
	}
	// "anabela lima" contains both stored names; the most recent mapping wins.
	phone, _ = f.router.ResolvePhone("Anabela Lima")
	if phone != "5521988887777" {
		t.Errorf("expected most recent fuzzy match, got %s", phone)
	}
}

func TestHandleMeetingScheduled_UnknownLead(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.HandleMeetingScheduled(context.Background(), models.MeetingEvent{Name: "Ninguém", MeetingAt: f.now.Add(time.Hour)})
	if !errors.Is(err, ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
	if len(f.sender.Sent()) != 0 {
		t.Error("unknown lead must have no side effects")
	}
	if _, err := f.router.HandleMeetingScheduled(context.Background(), models.MeetingEvent{Name: "Ana"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestReschedulingCancelsFollowUps(t *testing.T) {
	f := newFixture(t)
	f.inbound(t, "Ana", "sim")
	// A stale follow-up stored under a different phone but the same lead name.
	if _, err := f.followUps.Schedule("5511000000000", "ana", "https://cal.example/book"); err != nil {
		t.Fatal(err)
	}
	ev := models.MeetingEvent{Name: "Ana", MeetingAt: f.now.Add(72 * time.Hour)}
	for i := 0; i < 2; i++ {
		if _, err := f.router.HandleMeetingScheduled(context.Background(), ev); err != nil {
			t.Fatalf("schedule %d failed: %v", i, err)
		}
		if followUps, _ := f.st.ListPendingFollowUps(); len(followUps) != 0 {
			t.Fatalf("schedule %d: expected no follow-ups, got %d", i, len(followUps))
		}
	}
}

func TestReminderPermission_Accept(t *testing.T) {
	f := newFixture(t)
	f.inbound(t, "Ana", "oi")
	if _, err := f.router.HandleMeetingScheduled(context.Background(), models.MeetingEvent{Name: "Ana", MeetingAt: f.now.Add(48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	reply := f.inbound(t, "Ana", "sim, quero")
	if reply.Branch != BranchReminderPermission {
		t.Fatalf("expected reminder branch, got %s", reply.Branch)
	}
	perm, _ := f.st.GetReminderPermission(testPhone)
	if perm.Status != models.PermissionGranted || perm.WaitingResponse || perm.RespondedAt == nil {
		t.Errorf("unexpected permission %+v", perm)
	}
	reminders, _ := f.st.ListPendingReminders()
	if len(reminders) != 5 {
		t.Errorf("expected 5 reminders, got %d", len(reminders))
	}
	if f.countTag(t, models.TagReminderPermissionAccepted) != 1 {
		t.Error("expected reminder_permission_accepted entry")
	}

	// Once answered, messages go to the language model.
	if reply := f.inbound(t, "Ana", "obrigada"); reply.Branch != BranchConversation {
		t.Errorf("expected conversation branch, got %s", reply.Branch)
	}
}

func TestReminderPermission_RejectScenario(t *testing.T) {
	f := newFixture(t)
	if err := f.st.SaveReminderPermission(models.ReminderPermission{Phone: testPhone, Status: models.PermissionWaiting, WaitingResponse: true}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SaveMeeting(models.MeetingSchedule{Phone: testPhone, Name: "Ana", MeetingAt: f.now.Add(48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	f.inbound(t, "Ana", "não quero")

	perm, _ := f.st.GetReminderPermission(testPhone)
	if perm.Status != models.PermissionDenied || perm.WaitingResponse {
		t.Errorf("expected denied and flag cleared, got %+v", perm)
	}
	if sent := f.sender.Sent(); len(sent) != 1 || sent[0].Body != remindersDeniedMessage {
		t.Errorf("expected exactly one opt-out message, got %+v", sent)
	}
	if reminders, _ := f.st.ListPendingReminders(); len(reminders) != 0 {
		t.Errorf("no reminders expected, got %d", len(reminders))
	}
	if f.countTag(t, models.TagReminderPermissionDenied) != 1 {
		t.Error("expected reminder_permission_denied entry")
	}
}

func TestReminderPermission_UnclearKeepsWaiting(t *testing.T) {
	f := newFixture(t)
	_ = f.st.SaveReminderPermission(models.ReminderPermission{Phone: testPhone, Status: models.PermissionWaiting, WaitingResponse: true})

	reply := f.inbound(t, "Ana", "qual horário mesmo?")
	if reply.Text != remindersReaskMessage {
		t.Errorf("expected re-ask, got %q", reply.Text)
	}
	perm, _ := f.st.GetReminderPermission(testPhone)
	if !perm.WaitingResponse || perm.Status != models.PermissionWaiting {
		t.Errorf("flag must stay set, got %+v", perm)
	}
	history, _ := f.st.GetHistory(testPhone)
	if last := history[len(history)-1]; last.Role != models.RoleAssistant || last.Tag != models.TagNone {
		t.Errorf("expected untagged assistant entry, got %+v", last)
	}
	if f.llm.Calls() != 0 {
		t.Error("reminder question must not reach the language model")
	}
}

func TestResponderTranscriptOrder(t *testing.T) {
	r := NewResponder(&tu.FakeCompleter{}, "", nil)
	history := []models.HistoryEntry{
		{Role: models.RoleAssistant, Message: "Olá!"},
		{Role: models.RoleUser, Message: "oi"},
		{Role: models.RoleAssistant, Message: "Tudo bem?"},
	}
	msgs := r.Transcript(history)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfAssistant == nil || msgs[2].OfUser == nil || msgs[3].OfAssistant == nil {
		t.Error("unexpected role order")
	}
	if !strings.Contains(r.SystemPrompt(), DefaultCalendarLink) {
		t.Error("system prompt must carry the calendar link")
	}
}

func TestConcurrentInboundSamePhone(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = f.router.HandleInbound(context.Background(), models.InboundMessage{Phone: "11999998888", Name: "Ana", Message: "sim"})
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	if n := f.countTag(t, models.TagCalendarLink); n != 1 {
		t.Errorf("expected one calendar_link under concurrency, got %d", n)
	}
}
