package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"localchat/internal/events"
	"localchat/internal/models"
)

func testConfig(endpoint string) *models.LLMConfig {
	return &models.LLMConfig{
		ID:               1,
		Endpoint:         endpoint,
		Token:            "test-token",
		ModelName:        "llama3.2",
		Temperature:      0.7,
		MaxTokens:        256,
		RequestTimeoutMS: 5000,
	}
}

func TestCompleteSuccess(t *testing.T) {
	var gotAuth, gotContentType string
	var gotReq completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"}}]}`))
	}))
	defer srv.Close()

	client := NewClient(events.NopLogger{})
	got, err := client.Complete(context.Background(), testConfig(srv.URL), []Message{
		{Role: models.RoleUser, Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("content = %q", got)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotReq.Model != "llama3.2" || gotReq.MaxTokens != 256 {
		t.Fatalf("request payload = %+v", gotReq)
	}
}

func TestCompleteNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"internal: database password leaked"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(events.NopLogger{})
	_, err := client.Complete(context.Background(), testConfig(srv.URL), nil)

	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("error type = %T", err)
	}
	if uerr.Kind != KindStatus {
		t.Fatalf("kind = %q, want %q", uerr.Kind, KindStatus)
	}
	if uerr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", uerr.StatusCode)
	}
	msg := uerr.UserMessage()
	if strings.Contains(msg, "leaked") {
		t.Fatalf("user message %q must not carry the upstream body", msg)
	}
	if !strings.Contains(msg, "500") {
		t.Fatalf("user message %q should name the status code", msg)
	}
}

func TestCompleteMalformedResponse(t *testing.T) {
	cases := map[string]string{
		"not json":      `<html>oops</html>`,
		"empty choices": `{"choices":[]}`,
		"wrong shape":   `{"result":"ok"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			client := NewClient(events.NopLogger{})
			_, err := client.Complete(context.Background(), testConfig(srv.URL), nil)
			var uerr *Error
			if !errors.As(err, &uerr) {
				t.Fatalf("error type = %T", err)
			}
			if uerr.Kind != KindProtocol {
				t.Fatalf("kind = %q, want %q", uerr.Kind, KindProtocol)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RequestTimeoutMS = 50

	client := NewClient(events.NopLogger{})
	_, err := client.Complete(context.Background(), cfg, nil)
	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("error type = %T", err)
	}
	if uerr.Kind != KindTimeout {
		t.Fatalf("kind = %q, want %q", uerr.Kind, KindTimeout)
	}
}

type recordingLogger struct {
	events []events.Event
}

func (l *recordingLogger) Emit(e events.Event) {
	l.events = append(l.events, e)
}

func TestCompleteFailuresReachEventLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := &recordingLogger{}
	client := NewClient(logger)
	if _, err := client.Complete(context.Background(), testConfig(srv.URL), nil); err == nil {
		t.Fatal("expected a classified failure")
	}

	if len(logger.events) != 1 {
		t.Fatalf("event count = %d, want 1", len(logger.events))
	}
	evt := logger.events[0]
	if evt.Name != "llm.call_failed" {
		t.Fatalf("event name = %q", evt.Name)
	}
	if evt.Status != http.StatusInternalServerError {
		t.Fatalf("event status = %d", evt.Status)
	}
	if evt.Level != events.LevelError {
		t.Fatalf("event level = %q", evt.Level)
	}
}

func TestCompleteConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	endpoint := "http://" + ln.Addr().String() + "/v1/chat/completions"
	ln.Close()

	client := NewClient(events.NopLogger{})
	_, err = client.Complete(context.Background(), testConfig(endpoint), nil)
	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("error type = %T", err)
	}
	if uerr.Kind != KindConnection {
		t.Fatalf("kind = %q, want %q", uerr.Kind, KindConnection)
	}
	if strings.Contains(uerr.UserMessage(), endpoint) {
		t.Fatalf("user message %q must not leak the endpoint", uerr.UserMessage())
	}
}
