// Package controller dispatches named actions to capability modules,
// persists their results through the session manager, and owns the
// configuration surface (providers, credentials, preferences).
//
// One action runs at a time. A dispatch that arrives while another is
// in flight fails fast with ErrBusy instead of queueing.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"deskagent/internal/capability"
	"deskagent/internal/capability/nlp"
	"deskagent/internal/events"
	"deskagent/internal/metrics"
	"deskagent/internal/secrets"
	"deskagent/internal/session"
	"deskagent/internal/storage"
)

const (
	ActionChat    = "chat"
	ActionScrape  = "scrape"
	ActionAnalyze = "analyze"
)

var (
	// ErrBusy reports that another action is already in flight.
	ErrBusy = errors.New("an action is already running")

	// ErrUnknownAction reports an action name no capability handles.
	ErrUnknownAction = errors.New("unknown action")

	ErrUnknownProvider = errors.New("unknown provider")
)

// PersistenceError reports that a capability produced a result but the
// result could not be stored. Record carries the unstored payload so
// the caller still gets the work that was done.
type PersistenceError struct {
	Record storage.Record
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("result computed but not persisted: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Action is one dispatch request. Name selects the capability; the
// remaining fields are read by whichever capability matches.
type Action struct {
	Name       string            `json:"name"`
	Provider   string            `json:"provider,omitempty"`
	Prompt     string            `json:"prompt,omitempty"`
	URL        string            `json:"url,omitempty"`
	DatasetRef string            `json:"dataset_ref,omitempty"`
	Operation  string            `json:"operation,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

type Controller struct {
	store    *storage.Store
	sessions *session.Manager
	keyring  *secrets.Keyring
	caps     map[string]capability.Capability
	events   *events.Publisher
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

type Config struct {
	Store        *storage.Store
	Sessions     *session.Manager
	Keyring      *secrets.Keyring
	Capabilities []capability.Capability
	Events       *events.Publisher
	Logger       zerolog.Logger
}

func New(cfg Config) *Controller {
	caps := make(map[string]capability.Capability, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		switch c.Kind() {
		case storage.KindConversation:
			caps[ActionChat] = c
		case storage.KindScrape:
			caps[ActionScrape] = c
		case storage.KindAnalysis:
			caps[ActionAnalyze] = c
		}
	}
	return &Controller{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		keyring:  cfg.Keyring,
		caps:     caps,
		events:   cfg.Events,
		logger:   cfg.Logger,
		metrics:  metrics.Global(),
	}
}

// Dispatch runs one action end to end: resolve the capability, execute
// it, persist its result into the active session. The returned record
// carries the stored id and timestamp. When the capability succeeds but
// persistence fails, the record is returned alongside a
// *PersistenceError.
func (c *Controller) Dispatch(ctx context.Context, act Action) (storage.Record, error) {
	handler, ok := c.caps[act.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, act.Name)
	}
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	c.metrics.ActionsTotal.WithLabelValues(act.Name).Inc()
	log := c.logger.With().
		Str("action", act.Name).
		Str("session", c.sessions.ActiveSession()).
		Logger()

	req, err := c.buildRequest(ctx, act)
	if err != nil {
		c.metrics.ActionFailures.WithLabelValues(act.Name).Inc()
		return nil, err
	}

	payload, err := handler.Handle(ctx, req)
	if err != nil {
		c.metrics.ActionFailures.WithLabelValues(act.Name).Inc()
		log.Warn().Err(err).Msg("action failed")
		c.publish(act.Name, events.OutcomeError, err.Error())
		return nil, err
	}

	stored, err := c.sessions.Record(ctx, payload)
	if err != nil {
		c.metrics.PersistErrors.Inc()
		log.Error().Err(err).Msg("result not persisted")
		c.publish(act.Name, events.OutcomePartial, err.Error())
		return payload, &PersistenceError{Record: payload, Err: err}
	}
	c.metrics.RecordsStored.Inc()
	log.Info().Msg("action completed")
	c.publish(act.Name, events.OutcomeOK, "")
	return stored, nil
}

func (c *Controller) buildRequest(ctx context.Context, act Action) (capability.Request, error) {
	switch act.Name {
	case ActionChat:
		provider := act.Provider
		if provider == "" {
			cfg, err := c.store.LoadConfig(ctx)
			if err != nil {
				return nil, err
			}
			provider = cfg.DefaultProvider
		}
		history, err := c.chatContext(ctx)
		if err != nil {
			return nil, err
		}
		return capability.ChatRequest{Provider: provider, Prompt: act.Prompt, Context: history}, nil
	case ActionScrape:
		return capability.ScrapeRequest{URL: act.URL}, nil
	case ActionAnalyze:
		return capability.AnalyzeRequest{DatasetRef: act.DatasetRef, Operation: act.Operation, Params: act.Params}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, act.Name)
	}
}

// chatContext returns the current session's prior turns, trimmed to the
// configured window (most recent turns win).
func (c *Controller) chatContext(ctx context.Context) ([]storage.ConversationTurn, error) {
	cfg, err := c.store.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := c.sessions.History(ctx, storage.KindConversation, session.ScopeCurrent)
	if err != nil {
		return nil, err
	}
	turns := make([]storage.ConversationTurn, 0, len(recs))
	for _, r := range recs {
		if t, ok := r.(storage.ConversationTurn); ok {
			turns = append(turns, t)
		}
	}
	if cfg.MaxContext > 0 && len(turns) > cfg.MaxContext {
		turns = turns[len(turns)-cfg.MaxContext:]
	}
	return turns, nil
}

func (c *Controller) publish(action, outcome, detail string) {
	if c.events == nil {
		return
	}
	ev := events.Event{
		Action:    action,
		SessionID: c.sessions.ActiveSession(),
		Outcome:   outcome,
		Detail:    detail,
	}
	// Event publication is best effort; it never fails an action.
	if err := c.events.Publish(context.Background(), ev); err != nil {
		c.logger.Warn().Err(err).Msg("event publish failed")
	}
}

// History returns stored records of one kind, scoped to the current
// session or all sessions.
func (c *Controller) History(ctx context.Context, kind storage.Kind, scope session.Scope) ([]storage.Record, error) {
	return c.sessions.History(ctx, kind, scope)
}

// Forget deletes stored records. Configuration is never touched.
func (c *Controller) Forget(ctx context.Context, target string, scope session.Scope) error {
	if err := c.sessions.Forget(ctx, target, scope); err != nil {
		return err
	}
	c.metrics.ForgetsTotal.Inc()
	c.logger.Info().Str("target", target).Str("scope", string(scope)).Msg("records forgotten")
	return nil
}

// ResetSession starts a fresh session and returns its id. Prior
// sessions stay retrievable through the all-sessions scope.
func (c *Controller) ResetSession(ctx context.Context) (string, error) {
	return c.sessions.Reset(ctx)
}

func (c *Controller) ActiveSession() string {
	return c.sessions.ActiveSession()
}

func (c *Controller) Export(ctx context.Context) (storage.Snapshot, error) {
	return c.sessions.Export(ctx)
}

func (c *Controller) Import(ctx context.Context, snap storage.Snapshot, replace bool) error {
	return c.sessions.Import(ctx, snap, replace)
}

// ConfigView is the external shape of the configuration. Credentials
// are reported as configured/not-configured, never as values.
type ConfigView struct {
	DefaultProvider string                              `json:"default_provider"`
	Providers       map[string]storage.ProviderSettings `json:"providers"`
	Credentials     map[string]bool                     `json:"credentials"`
	Preferences     map[string]string                   `json:"preferences"`
	MaxContext      int                                 `json:"max_context"`
}

func (c *Controller) Configuration(ctx context.Context) (ConfigView, error) {
	cfg, err := c.store.LoadConfig(ctx)
	if err != nil {
		return ConfigView{}, err
	}
	creds := make(map[string]bool, len(cfg.Credentials))
	for name := range cfg.Credentials {
		creds[name] = true
	}
	return ConfigView{
		DefaultProvider: cfg.DefaultProvider,
		Providers:       cfg.Providers,
		Credentials:     creds,
		Preferences:     cfg.Preferences,
		MaxContext:      cfg.MaxContext,
	}, nil
}

// SetDefaultProvider switches which provider chat uses when the action
// does not name one.
func (c *Controller) SetDefaultProvider(ctx context.Context, provider string) error {
	return c.updateConfig(ctx, func(cfg *storage.Configuration) error {
		if _, ok := cfg.Providers[provider]; !ok {
			return fmt.Errorf("%w: %q (known: %s)", ErrUnknownProvider, provider, knownProviders(cfg))
		}
		cfg.DefaultProvider = provider
		return nil
	})
}

// SetProvider creates or replaces one provider's settings.
func (c *Controller) SetProvider(ctx context.Context, name string, settings storage.ProviderSettings) error {
	return c.updateConfig(ctx, func(cfg *storage.Configuration) error {
		cfg.Providers[name] = settings
		return nil
	})
}

// SetCredential seals the secret for the named provider and stores the
// envelope. The plaintext never reaches the database.
func (c *Controller) SetCredential(ctx context.Context, provider, secret string) error {
	return c.updateConfig(ctx, func(cfg *storage.Configuration) error {
		if _, ok := cfg.Providers[provider]; !ok {
			return fmt.Errorf("%w: %q (known: %s)", ErrUnknownProvider, provider, knownProviders(cfg))
		}
		sealed, err := c.keyring.SealString(provider, secret)
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		cfg.Credentials[provider] = sealed
		return nil
	})
}

// DeleteCredential removes the stored envelope for a provider.
func (c *Controller) DeleteCredential(ctx context.Context, provider string) error {
	return c.updateConfig(ctx, func(cfg *storage.Configuration) error {
		delete(cfg.Credentials, provider)
		return nil
	})
}

func (c *Controller) SetPreference(ctx context.Context, key, value string) error {
	return c.updateConfig(ctx, func(cfg *storage.Configuration) error {
		cfg.Preferences[key] = value
		return nil
	})
}

func (c *Controller) updateConfig(ctx context.Context, mutate func(*storage.Configuration) error) error {
	cfg, err := c.store.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if err := mutate(&cfg); err != nil {
		return err
	}
	return c.store.SaveConfig(ctx, cfg)
}

func knownProviders(cfg *storage.Configuration) string {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	b, _ := json.Marshal(names)
	return string(b)
}

// ProviderConfig resolves the settings and decrypted credential for one
// provider. It satisfies the chat capability's configuration source.
func (c *Controller) ProviderConfig(ctx context.Context, provider string) (nlp.ProviderConfig, error) {
	cfg, err := c.store.LoadConfig(ctx)
	if err != nil {
		return nlp.ProviderConfig{}, err
	}
	settings, ok := cfg.Providers[provider]
	if !ok {
		return nlp.ProviderConfig{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	pc := nlp.ProviderConfig{Settings: settings}
	if sealed, ok := cfg.Credentials[provider]; ok {
		plain, err := c.keyring.OpenString(provider, sealed)
		if err != nil {
			return nlp.ProviderConfig{}, fmt.Errorf("open credential for %s: %w", provider, err)
		}
		pc.Credential = plain
	}
	return pc, nil
}

var _ nlp.ConfigSource = (*Controller)(nil)
