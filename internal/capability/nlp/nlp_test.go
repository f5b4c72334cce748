package nlp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"deskagent/internal/capability"
	"deskagent/internal/providers"
	"deskagent/internal/providers/registry"
	"deskagent/internal/storage"
)

type staticSource map[string]ProviderConfig

func (s staticSource) ProviderConfig(_ context.Context, provider string) (ProviderConfig, error) {
	pc, ok := s[provider]
	if !ok {
		return ProviderConfig{}, &capability.ProviderError{Provider: provider, Err: fmt.Errorf("unknown provider")}
	}
	return pc, nil
}

type stubProvider struct {
	resp providers.ChatResponse
	err  error
	got  providers.ChatRequest
}

func (s *stubProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	s.got = req
	return s.resp, s.err
}

func TestHandleBuildsTurnFromCompletion(t *testing.T) {
	stub := &stubProvider{resp: providers.ChatResponse{Text: "the answer"}}
	c := New(Config{Source: staticSource{
		"groq": {Settings: storage.ProviderSettings{Kind: "openai_compat", Model: "llama"}, Credential: "key"},
	}})
	c.build = func(registry.BuildOptions) (providers.Provider, error) { return stub, nil }

	rec, err := c.Handle(context.Background(), capability.ChatRequest{
		Provider: "groq",
		Prompt:   "question",
		Context: []storage.ConversationTurn{
			{Prompt: "earlier q", Response: "earlier a"},
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	turn := rec.(storage.ConversationTurn)
	if turn.Provider != "groq" || turn.Response != "the answer" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(stub.got.History) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(stub.got.History))
	}
	if stub.got.History[1].Role != "assistant" || stub.got.History[1].Content != "earlier a" {
		t.Fatalf("unexpected history mapping: %+v", stub.got.History)
	}
}

func TestHandleMissingCredential(t *testing.T) {
	c := New(Config{Source: staticSource{
		"mistral": {Settings: storage.ProviderSettings{Kind: "openai_compat"}},
	}})

	_, err := c.Handle(context.Background(), capability.ChatRequest{Provider: "mistral", Prompt: "q"})
	if !errors.Is(err, capability.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestHandleOllamaNeedsNoCredential(t *testing.T) {
	stub := &stubProvider{resp: providers.ChatResponse{Text: "local"}}
	c := New(Config{Source: staticSource{
		"ollama": {Settings: storage.ProviderSettings{Kind: "ollama", Model: "llama3"}},
	}})
	c.build = func(registry.BuildOptions) (providers.Provider, error) { return stub, nil }

	if _, err := c.Handle(context.Background(), capability.ChatRequest{Provider: "ollama", Prompt: "q"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
}

func TestHandleProviderFailure(t *testing.T) {
	stub := &stubProvider{err: fmt.Errorf("boom")}
	c := New(Config{Source: staticSource{
		"gemini": {Settings: storage.ProviderSettings{Kind: "gemini"}, Credential: "key"},
	}})
	c.build = func(registry.BuildOptions) (providers.Provider, error) { return stub, nil }

	_, err := c.Handle(context.Background(), capability.ChatRequest{Provider: "gemini", Prompt: "q"})
	var pe *capability.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Provider != "gemini" {
		t.Fatalf("unexpected provider in error: %q", pe.Provider)
	}
}
