package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================
// TelegramSink Tests
// ============================================================

func TestTelegramSinkSend(t *testing.T) {
	var gotPath string
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink := NewTelegramSink("test-token", "12345").WithBaseURL(server.URL)

	err := sink.Send(context.Background(), "🚨 PANIC BUTTON ACTIVATED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/bottest-token/sendMessage" {
		t.Errorf("path = %q, want %q", gotPath, "/bottest-token/sendMessage")
	}
	if gotBody["chat_id"] != "12345" {
		t.Errorf("chat_id = %q, want %q", gotBody["chat_id"], "12345")
	}
	if gotBody["text"] != "🚨 PANIC BUTTON ACTIVATED" {
		t.Errorf("text = %q, want alert message", gotBody["text"])
	}
	if gotBody["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %q, want HTML", gotBody["parse_mode"])
	}
}

func TestTelegramSinkSendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer server.Close()

	sink := NewTelegramSink("test-token", "99999").WithBaseURL(server.URL)

	err := sink.Send(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error %q does not mention API description", err.Error())
	}
}

func TestTelegramSinkSendRejectedByAPI(t *testing.T) {
	// Telegram может вернуть 200 с ok=false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer server.Close()

	sink := NewTelegramSink("bad-token", "12345").WithBaseURL(server.URL)

	err := sink.Send(context.Background(), "test")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("error %q does not mention API description", err.Error())
	}
}

// ============================================================
// NopSink Tests
// ============================================================

func TestNopSinkSend(t *testing.T) {
	sink := NewNopSink()

	if err := sink.Send(context.Background(), "anything"); err != nil {
		t.Errorf("nop sink must never fail, got: %v", err)
	}
}
