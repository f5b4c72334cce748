package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"deskagent/internal/providers"
)

func TestChatRequestShape(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"pong"}]}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "g-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:   "gemini-pro",
		History: []providers.Message{{Role: "assistant", Content: "earlier"}},
		Prompt:  "ping",
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("expected pong, got %q", resp.Text)
	}
	if gotPath != "/v1beta/models/gemini-pro:generateContent" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotKey != "g-key" {
		t.Fatalf("expected key in query, got %q", gotKey)
	}

	contents, ok := gotBody["contents"].([]any)
	if !ok || len(contents) != 2 {
		t.Fatalf("expected 2 content entries, got %#v", gotBody["contents"])
	}
	first := contents[0].(map[string]any)
	if first["role"] != "model" {
		t.Fatalf("assistant history should map to model role, got %v", first["role"])
	}
}

func TestParseResponseEmptyCandidates(t *testing.T) {
	if _, err := parseResponse([]byte(`{"candidates":[]}`)); err == nil {
		t.Fatal("expected error for empty candidates")
	}
}
