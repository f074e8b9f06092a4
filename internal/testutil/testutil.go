// Package testutil provides common test fakes and helpers for LeadPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// SentMessage is one message recorded by RecordingSender.
type SentMessage struct {
	To        string
	Body      string
	MessageID string
}

// RecordingSender records every outbound message. When Err is set every send fails
// with it and nothing is recorded.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// NewRecordingSender creates an empty RecordingSender.
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

func (s *RecordingSender) SendMessage(ctx context.Context, to string, body string) error {
	return s.ReplyToMessage(ctx, to, body, "")
}

func (s *RecordingSender) ReplyToMessage(_ context.Context, to string, body string, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, SentMessage{To: to, Body: body, MessageID: messageID})
	return nil
}

// Sent returns a copy of the recorded messages.
func (s *RecordingSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// FakeCompleter returns a canned reply and records every transcript it receives.
type FakeCompleter struct {
	mu    sync.Mutex
	Reply string
	Err   error
	calls [][]openai.ChatCompletionMessageParamUnion
}

func (f *FakeCompleter) GenerateWithMessages(_ context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.Err != nil {
		return "", f.Err
	}
	return f.Reply, nil
}

// Calls returns the number of completions requested.
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// LastTranscript returns the messages of the most recent call.
func (f *FakeCompleter) LastTranscript() []openai.ChatCompletionMessageParamUnion {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeJSON decodes the recorded response body into a generic map.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// HistoryTags returns the tags of the stored history of phone, in order.
func HistoryTags(t *testing.T, st store.HistoryRepo, phone string) []models.Tag {
	t.Helper()
	history, err := st.GetHistory(phone)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	tags := make([]models.Tag, len(history))
	for i, e := range history {
		tags[i] = e.Tag
	}
	return tags
}

// MustMarshalJSON marshals v or fails the test.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals data into target or fails the test.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
