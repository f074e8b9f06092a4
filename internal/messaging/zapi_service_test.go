package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

func TestZAPIService_ImplementsService(t *testing.T) {
	var _ Service = (*ZAPIService)(nil)
}

func TestZAPIService_SendMessage(t *testing.T) {
	var gotPath, gotToken string
	var gotBody zapiSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Client-Token")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"zaapId":"1","messageId":"2"}`))
	}))
	defer srv.Close()

	svc, err := NewZAPIService(WithZAPIBaseURL(srv.URL), WithZAPIInstance("inst", "tok"), WithZAPIClientToken("secret"))
	if err != nil {
		t.Fatalf("NewZAPIService: %v", err)
	}
	if err := svc.ReplyToMessage(context.Background(), "(11) 99999-8888", "Olá Ana", "MSG1"); err != nil {
		t.Fatalf("ReplyToMessage: %v", err)
	}
	if gotPath != "/instances/inst/token/tok/send-text" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotToken != "secret" {
		t.Errorf("expected Client-Token header, got %q", gotToken)
	}
	if gotBody.Phone != "5511999998888" || gotBody.Message != "Olá Ana" || gotBody.MessageID != "MSG1" {
		t.Errorf("unexpected body %+v", gotBody)
	}
}

func TestZAPIService_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc, _ := NewZAPIService(WithZAPIBaseURL(srv.URL), WithZAPIInstance("inst", "tok"))
	if err := svc.SendMessage(context.Background(), "5511999998888", "oi"); err == nil {
		t.Error("expected error for 401 response")
	}
}

func TestZAPIService_InvalidRecipient(t *testing.T) {
	svc, _ := NewZAPIService(WithZAPIInstance("inst", "tok"))
	if err := svc.SendMessage(context.Background(), "sem numero", "oi"); !errors.Is(err, util.ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestZAPIService_MissingConfig(t *testing.T) {
	if _, err := NewZAPIService(); err == nil {
		t.Error("expected error without instance and token")
	}
}

func TestZAPIService_Stop(t *testing.T) {
	svc, _ := NewZAPIService(WithZAPIInstance("inst", "tok"))
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "5511999998888", "oi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	// Stopping twice is safe.
	svc.Stop()
}
