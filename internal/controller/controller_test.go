package controller

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"deskagent/internal/capability"
	"deskagent/internal/secrets"
	"deskagent/internal/session"
	"deskagent/internal/storage"
)

// stubCapability returns a canned payload or error and records the
// request it received.
type stubCapability struct {
	kind    storage.Kind
	payload storage.Record
	err     error
	delay   time.Duration
	gotReq  capability.Request
}

func (s *stubCapability) Kind() storage.Kind { return s.kind }

func (s *stubCapability) Handle(ctx context.Context, req capability.Request) (storage.Record, error) {
	s.gotReq = req
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

func testKeyring(t *testing.T) *secrets.Keyring {
	t.Helper()
	kr, err := secrets.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x42}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return kr
}

func newTestController(t *testing.T, caps ...capability.Capability) (*Controller, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sm, err := session.Open(context.Background(), session.Config{Store: store})
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	ctl := New(Config{
		Store:        store,
		Sessions:     sm,
		Keyring:      testKeyring(t),
		Capabilities: caps,
	})
	return ctl, store
}

func TestDispatchPersistsResult(t *testing.T) {
	chat := &stubCapability{
		kind:    storage.KindConversation,
		payload: storage.ConversationTurn{Provider: "gemini", Prompt: "hi", Response: "hello"},
	}
	ctl, _ := newTestController(t, chat)

	rec, err := ctl.Dispatch(context.Background(), Action{Name: ActionChat, Prompt: "hi"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	turn := rec.(storage.ConversationTurn)
	if turn.ID == 0 {
		t.Fatal("expected stored id")
	}
	if turn.SessionID != ctl.ActiveSession() {
		t.Fatalf("expected session %s, got %s", ctl.ActiveSession(), turn.SessionID)
	}

	hist, err := ctl.History(context.Background(), storage.KindConversation, session.ScopeCurrent)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 stored turn, got %d", len(hist))
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	ctl, _ := newTestController(t)
	_, err := ctl.Dispatch(context.Background(), Action{Name: "translate"})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestDispatchBusy(t *testing.T) {
	slow := &stubCapability{
		kind:    storage.KindScrape,
		payload: storage.ScrapeRecord{URL: "https://a.test"},
		delay:   200 * time.Millisecond,
	}
	ctl, _ := newTestController(t, slow)

	done := make(chan error, 1)
	go func() {
		_, err := ctl.Dispatch(context.Background(), Action{Name: ActionScrape, URL: "https://a.test"})
		done <- err
	}()

	// Wait for the first dispatch to take the lock, then collide.
	var busyErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := ctl.Dispatch(context.Background(), Action{Name: ActionScrape, URL: "https://b.test"})
		if errors.Is(err, ErrBusy) {
			busyErr = err
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(busyErr, ErrBusy) {
		t.Fatalf("expected ErrBusy during in-flight dispatch, got %v", busyErr)
	}
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}

func TestDispatchCapabilityErrorNotPersisted(t *testing.T) {
	capErr := &capability.FetchError{URL: "https://a.test", Err: errors.New("timeout")}
	failing := &stubCapability{kind: storage.KindScrape, err: capErr}
	ctl, _ := newTestController(t, failing)

	_, err := ctl.Dispatch(context.Background(), Action{Name: ActionScrape, URL: "https://a.test"})
	var fe *capability.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}

	hist, err := ctl.History(context.Background(), storage.KindScrape, session.ScopeAll)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("failed action must not persist records, got %d", len(hist))
	}
}

func TestDispatchPersistenceFailureReturnsRecord(t *testing.T) {
	scrapeCap := &stubCapability{
		kind:    storage.KindScrape,
		payload: storage.ScrapeRecord{URL: "https://a.test", Text: "body"},
	}
	ctl, store := newTestController(t, scrapeCap)

	// Closing the store makes the persist step fail after the
	// capability has produced its result.
	_ = store.Close()

	rec, err := ctl.Dispatch(context.Background(), Action{Name: ActionScrape, URL: "https://a.test"})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if rec == nil {
		t.Fatal("result must be returned even when persistence fails")
	}
	if pe.Record == nil {
		t.Fatal("PersistenceError should carry the unstored record")
	}
}

func TestChatContextTrimmedToWindow(t *testing.T) {
	chat := &stubCapability{
		kind:    storage.KindConversation,
		payload: storage.ConversationTurn{Provider: "gemini", Prompt: "p", Response: "r"},
	}
	ctl, store := newTestController(t, chat)
	ctx := context.Background()

	cfg, _ := store.LoadConfig(ctx)
	cfg.MaxContext = 2
	if err := store.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := ctl.Dispatch(ctx, Action{Name: ActionChat, Prompt: "p"}); err != nil {
			t.Fatalf("dispatch #%d: %v", i, err)
		}
	}

	req := chat.gotReq.(capability.ChatRequest)
	if len(req.Context) != 2 {
		t.Fatalf("expected context trimmed to 2 turns, got %d", len(req.Context))
	}
}

func TestDefaultProviderUsedWhenUnset(t *testing.T) {
	chat := &stubCapability{
		kind:    storage.KindConversation,
		payload: storage.ConversationTurn{Provider: "ollama", Prompt: "p", Response: "r"},
	}
	ctl, _ := newTestController(t, chat)
	ctx := context.Background()

	if err := ctl.SetDefaultProvider(ctx, "ollama"); err != nil {
		t.Fatalf("set default provider: %v", err)
	}
	if _, err := ctl.Dispatch(ctx, Action{Name: ActionChat, Prompt: "p"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	req := chat.gotReq.(capability.ChatRequest)
	if req.Provider != "ollama" {
		t.Fatalf("expected default provider ollama, got %s", req.Provider)
	}
}

func TestSetDefaultProviderUnknown(t *testing.T) {
	ctl, _ := newTestController(t)
	err := ctl.SetDefaultProvider(context.Background(), "nonesuch")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	ctl, store := newTestController(t)
	ctx := context.Background()

	if err := ctl.SetCredential(ctx, "gemini", "sk-secret"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	// The stored form must be an envelope, not the plaintext.
	cfg, _ := store.LoadConfig(ctx)
	if cfg.Credentials["gemini"] == "sk-secret" {
		t.Fatal("credential stored in plaintext")
	}

	pc, err := ctl.ProviderConfig(ctx, "gemini")
	if err != nil {
		t.Fatalf("provider config: %v", err)
	}
	if pc.Credential != "sk-secret" {
		t.Fatalf("expected decrypted credential, got %q", pc.Credential)
	}

	// The external view only reports presence.
	view, err := ctl.Configuration(ctx)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	if !view.Credentials["gemini"] {
		t.Fatal("view should report gemini credential as configured")
	}

	if err := ctl.DeleteCredential(ctx, "gemini"); err != nil {
		t.Fatalf("delete credential: %v", err)
	}
	pc, err = ctl.ProviderConfig(ctx, "gemini")
	if err != nil {
		t.Fatalf("provider config after delete: %v", err)
	}
	if pc.Credential != "" {
		t.Fatal("deleted credential should not resolve")
	}
}

func TestResetAndForgetPassthrough(t *testing.T) {
	chat := &stubCapability{
		kind:    storage.KindConversation,
		payload: storage.ConversationTurn{Provider: "gemini", Prompt: "p", Response: "r"},
	}
	ctl, _ := newTestController(t, chat)
	ctx := context.Background()

	if _, err := ctl.Dispatch(ctx, Action{Name: ActionChat, Prompt: "p"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	old := ctl.ActiveSession()
	newID, err := ctl.ResetSession(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if newID == old {
		t.Fatal("reset should change the active session")
	}

	if err := ctl.Forget(ctx, session.TargetAll, session.ScopeAll); err != nil {
		t.Fatalf("forget: %v", err)
	}
	hist, err := ctl.History(ctx, storage.KindConversation, session.ScopeAll)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected empty history after forget all, got %d", len(hist))
	}
}
