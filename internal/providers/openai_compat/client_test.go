package openai_compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"deskagent/internal/providers"
)

func TestBuildPayloadCarriesHistory(t *testing.T) {
	body, err := buildPayload(providers.ChatRequest{
		Model:  "mistral-small-latest",
		System: "You are concise",
		History: []providers.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		Prompt:      "what next",
		MaxTokens:   123,
		Temperature: 0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload struct {
		Model    string              `json:"model"`
		Messages []map[string]string `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "mistral-small-latest" {
		t.Fatalf("unexpected model %q", payload.Model)
	}
	// system + 2 history + prompt
	if len(payload.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(payload.Messages))
	}
	if payload.Messages[2]["role"] != "assistant" || payload.Messages[3]["content"] != "what next" {
		t.Fatalf("unexpected message ordering: %+v", payload.Messages)
	}
}

func TestChatParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"42"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Prompt: "q"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "42" {
		t.Fatalf("expected 42, got %q", resp.Text)
	}
}

func TestChatSurfacesTerminalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.Chat(context.Background(), providers.ChatRequest{Model: "m", Prompt: "q"}); err == nil {
		t.Fatal("expected error for 401 response")
	}
}
