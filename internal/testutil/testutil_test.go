package testutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

func TestRecordingSender(t *testing.T) {
	s := NewRecordingSender()
	if err := s.SendMessage(context.Background(), "5511999998888", "oi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.ReplyToMessage(context.Background(), "5511999998888", "olá", "msg-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := s.Sent()
	if len(sent) != 2 || sent[1].MessageID != "msg-1" {
		t.Fatalf("unexpected messages: %+v", sent)
	}

	s.Err = errors.New("boom")
	if err := s.SendMessage(context.Background(), "5511999998888", "x"); err == nil {
		t.Error("expected injected error")
	}
	if len(s.Sent()) != 2 {
		t.Error("failed sends must not be recorded")
	}
}

func TestFakeCompleter(t *testing.T) {
	f := &FakeCompleter{Reply: "resposta"}
	if f.LastTranscript() != nil {
		t.Error("expected no transcript before the first call")
	}
	got, err := f.GenerateWithMessages(context.Background(), nil)
	if err != nil || got != "resposta" {
		t.Fatalf("got %q, %v", got, err)
	}
	if f.Calls() != 1 {
		t.Errorf("expected 1 call, got %d", f.Calls())
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	AssertHTTPStatus(t, http.StatusOK, http.StatusOK, "same status")
}

func TestCreateHTTPRequestAndDecode(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/x", map[string]string{"a": "b"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	var body map[string]string
	buf := make([]byte, req.ContentLength)
	if _, err := req.Body.Read(buf); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	MustUnmarshalJSON(t, buf, &body)
	if body["a"] != "b" {
		t.Errorf("unexpected body %v", body)
	}

	rr := httptest.NewRecorder()
	rr.WriteString(`{"success":true}`)
	if got := DecodeJSON(t, rr); got["success"] != true {
		t.Errorf("unexpected decoded body %v", got)
	}
}

func TestHistoryTags(t *testing.T) {
	st := store.NewInMemoryStore()
	_ = st.AppendHistory("55119", models.HistoryEntry{Role: models.RoleUser, Message: "sim"})
	_ = st.AppendHistory("55119", models.HistoryEntry{Role: models.RoleAssistant, Message: "link", Tag: models.TagCalendarLink})
	tags := HistoryTags(t, st, "55119")
	if len(tags) != 2 || tags[1] != models.TagCalendarLink {
		t.Errorf("unexpected tags %v", tags)
	}
}
