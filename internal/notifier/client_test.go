package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNotify_OK(t *testing.T) {
	var received Event

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/notify" {
			t.Fatalf("path = %s, want /api/notify", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sessionID := uuid.New()
	err := client.Notify(ctx, Event{
		Event:            EventLowBalance,
		SessionID:        sessionID,
		ClientID:         1,
		ExpertID:         2,
		RemainingSeconds: 90,
	})
	if err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if received.Event != EventLowBalance || received.SessionID != sessionID {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestNotify_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Notify(ctx, Event{Event: EventSessionEnded, SessionID: uuid.New()})
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestNotify_NotConfigured(t *testing.T) {
	client := NewClient("")

	err := client.Notify(context.Background(), Event{Event: EventSessionEnded})
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
