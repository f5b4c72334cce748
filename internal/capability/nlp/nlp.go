// Package nlp is the conversational capability: it resolves the
// selected provider's settings and credential, calls the backend, and
// returns an unstamped conversation turn payload.
package nlp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"deskagent/internal/capability"
	"deskagent/internal/providers"
	"deskagent/internal/providers/registry"
	"deskagent/internal/storage"
)

// ProviderConfig is what the capability needs to reach one backend.
// The credential arrives out-of-band from configuration, never inside
// the request.
type ProviderConfig struct {
	Settings   storage.ProviderSettings
	Credential string
}

type ConfigSource interface {
	ProviderConfig(ctx context.Context, provider string) (ProviderConfig, error)
}

type Capability struct {
	source      ConfigSource
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	callTimeout time.Duration
	logger      zerolog.Logger

	// build is swappable in tests.
	build func(registry.BuildOptions) (providers.Provider, error)
}

type Config struct {
	Source      ConfigSource
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

func New(cfg Config) *Capability {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &Capability{
		source:      cfg.Source,
		httpClient:  cfg.HTTPClient,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
		build:       registry.Build,
	}
}

var _ capability.Capability = (*Capability)(nil)

// SetSource installs the configuration source after construction. The
// source is usually the controller, which is built after the
// capabilities it hosts.
func (c *Capability) SetSource(source ConfigSource) {
	c.source = source
}

func (c *Capability) Kind() storage.Kind { return storage.KindConversation }

func (c *Capability) Handle(ctx context.Context, req capability.Request) (storage.Record, error) {
	chat, ok := req.(capability.ChatRequest)
	if !ok {
		return nil, fmt.Errorf("nlp capability: unexpected request type %T", req)
	}
	if strings.TrimSpace(chat.Prompt) == "" {
		return nil, &capability.ProviderError{Provider: chat.Provider, Err: fmt.Errorf("empty prompt")}
	}

	pc, err := c.source.ProviderConfig(ctx, chat.Provider)
	if err != nil {
		return nil, err
	}
	if registry.NeedsCredential(pc.Settings.Kind) && strings.TrimSpace(pc.Credential) == "" {
		return nil, fmt.Errorf("%w: %s", capability.ErrInvalidCredential, chat.Provider)
	}

	p, err := c.build(registry.BuildOptions{
		Kind:        pc.Settings.Kind,
		BaseURL:     pc.Settings.BaseURL,
		APIKey:      pc.Credential,
		HTTPClient:  c.httpClient,
		MaxRetries:  c.maxRetries,
		BackoffBase: c.backoffBase,
	})
	if err != nil {
		return nil, &capability.ProviderError{Provider: chat.Provider, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := p.Chat(callCtx, providers.ChatRequest{
		Model:   pc.Settings.Model,
		History: toHistory(chat.Context),
		Prompt:  chat.Prompt,
	})
	if err != nil {
		return nil, &capability.ProviderError{Provider: chat.Provider, Err: err}
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, &capability.ProviderError{Provider: chat.Provider, Err: fmt.Errorf("empty completion")}
	}
	c.logger.Debug().Str("provider", chat.Provider).Int("context_turns", len(chat.Context)).Msg("chat completed")

	return storage.ConversationTurn{
		Provider: chat.Provider,
		Prompt:   chat.Prompt,
		Response: text,
	}, nil
}

func toHistory(turns []storage.ConversationTurn) []providers.Message {
	out := make([]providers.Message, 0, len(turns)*2)
	for _, t := range turns {
		out = append(out,
			providers.Message{Role: "user", Content: t.Prompt},
			providers.Message{Role: "assistant", Content: t.Response},
		)
	}
	return out
}
