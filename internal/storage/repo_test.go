package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:", true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutRejectsUnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(context.Background(), ConversationTurn{
		SessionID: "nope",
		Timestamp: time.Now().UTC(),
		Provider:  "gemini",
		Prompt:    "hi",
		Response:  "hello",
	})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestRoundTripConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	in := ConversationTurn{
		SessionID: sess.ID,
		Timestamp: ts,
		Provider:  "mistral",
		Prompt:    "what is 2+2",
		Response:  "4",
	}
	if _, err := s.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	recs, err := s.GetAll(ctx, KindConversation, sess.ID)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	got := recs[0].(ConversationTurn)
	if got.Provider != in.Provider || got.Prompt != in.Prompt || got.Response != in.Response {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.SessionID != sess.ID {
		t.Fatalf("expected session %s, got %s", sess.ID, got.SessionID)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("expected timestamp %v, got %v", ts, got.Timestamp)
	}
}

func TestRoundTripScrapeAndAnalysis(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	scrape := ScrapeRecord{
		SessionID: sess.ID,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		URL:       "https://example.com",
		Text:      "# Example",
		Links:     []Link{{Text: "more", Href: "https://example.com/more"}},
		Tables:    []Table{{{"name": "a", "value": "1"}}},
	}
	if _, err := s.Put(ctx, scrape); err != nil {
		t.Fatalf("put scrape: %v", err)
	}

	mean := 2.5
	analysis := AnalysisRecord{
		SessionID:  sess.ID,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		DatasetRef: "sales.csv",
		Operation:  "summary",
		Stats:      map[string]ColumnStats{"amount": {DType: "numeric", Mean: &mean}},
		Artifacts:  []string{"chart-123"},
	}
	if _, err := s.Put(ctx, analysis); err != nil {
		t.Fatalf("put analysis: %v", err)
	}

	scrapes, err := s.GetAll(ctx, KindScrape, sess.ID)
	if err != nil {
		t.Fatalf("get scrapes: %v", err)
	}
	if len(scrapes) != 1 {
		t.Fatalf("expected 1 scrape, got %d", len(scrapes))
	}
	gotScrape := scrapes[0].(ScrapeRecord)
	if gotScrape.URL != scrape.URL || len(gotScrape.Links) != 1 || gotScrape.Links[0].Href != scrape.Links[0].Href {
		t.Fatalf("scrape round trip mismatch: %+v", gotScrape)
	}
	if len(gotScrape.Tables) != 1 || gotScrape.Tables[0][0]["value"] != "1" {
		t.Fatalf("table round trip mismatch: %+v", gotScrape.Tables)
	}

	analyses, err := s.GetAll(ctx, KindAnalysis, sess.ID)
	if err != nil {
		t.Fatalf("get analyses: %v", err)
	}
	if len(analyses) != 1 {
		t.Fatalf("expected 1 analysis, got %d", len(analyses))
	}
	gotAnalysis := analyses[0].(AnalysisRecord)
	if gotAnalysis.DatasetRef != "sales.csv" || gotAnalysis.Stats["amount"].Mean == nil || *gotAnalysis.Stats["amount"].Mean != 2.5 {
		t.Fatalf("analysis round trip mismatch: %+v", gotAnalysis)
	}
}

func TestGetAllOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s1, _ := s.CreateSession(ctx)
	s2, _ := s.CreateSession(ctx)

	base := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	for i, sessID := range []string{s2.ID, s1.ID, s2.ID} {
		_, err := s.Put(ctx, ConversationTurn{
			SessionID: sessID,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Provider:  "ollama",
			Prompt:    "p",
			Response:  "r",
		})
		if err != nil {
			t.Fatalf("put #%d: %v", i, err)
		}
	}

	all, err := s.GetAll(ctx, KindConversation, "")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Stamp().Before(all[i-1].Stamp()) {
			t.Fatalf("records out of order at %d", i)
		}
	}

	scoped, err := s.GetAll(ctx, KindConversation, s2.ID)
	if err != nil {
		t.Fatalf("get scoped: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 scoped records, got %d", len(scoped))
	}
}

func TestDeleteScopes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s1, _ := s.CreateSession(ctx)
	s2, _ := s.CreateSession(ctx)
	now := time.Now().UTC()

	for _, sessID := range []string{s1.ID, s2.ID} {
		if _, err := s.Put(ctx, ConversationTurn{SessionID: sessID, Timestamp: now, Provider: "p", Prompt: "q", Response: "a"}); err != nil {
			t.Fatalf("put turn: %v", err)
		}
		if _, err := s.Put(ctx, ScrapeRecord{SessionID: sessID, Timestamp: now, URL: "https://x.test"}); err != nil {
			t.Fatalf("put scrape: %v", err)
		}
	}

	// Scoped delete removes only s1's conversations.
	if err := s.Delete(ctx, KindConversation, s1.ID); err != nil {
		t.Fatalf("scoped delete: %v", err)
	}
	left, _ := s.GetAll(ctx, KindConversation, "")
	if len(left) != 1 || left[0].Session() != s2.ID {
		t.Fatalf("expected only s2 conversation left, got %+v", left)
	}
	scrapes, _ := s.GetAll(ctx, KindScrape, "")
	if len(scrapes) != 2 {
		t.Fatalf("scrape records should be untouched, got %d", len(scrapes))
	}

	// Global delete, then again: idempotent.
	if err := s.Delete(ctx, KindConversation, ""); err != nil {
		t.Fatalf("global delete: %v", err)
	}
	if err := s.Delete(ctx, KindConversation, ""); err != nil {
		t.Fatalf("repeat delete should succeed silently: %v", err)
	}
	left, _ = s.GetAll(ctx, KindConversation, "")
	if len(left) != 0 {
		t.Fatalf("expected no conversations, got %d", len(left))
	}
}

func TestConfigSaveLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	if cfg.DefaultProvider != "gemini" {
		t.Fatalf("expected default provider gemini, got %q", cfg.DefaultProvider)
	}

	cfg.DefaultProvider = "groq"
	cfg.Preferences["theme"] = "dark"
	cfg.Credentials["groq"] = `{"key_id":"k1","nonce":"n","ciphertext":"c"}`
	if err := s.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	// Second save overwrites the same logical row.
	cfg.Preferences["theme"] = "light"
	if err := s.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("resave config: %v", err)
	}

	got, err := s.LoadConfig(ctx)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if got.DefaultProvider != "groq" || got.Preferences["theme"] != "light" {
		t.Fatalf("config mismatch: %+v", got)
	}
	if got.Credentials["groq"] == "" {
		t.Fatal("credentials envelope lost on round trip")
	}
}

func TestExportImport(t *testing.T) {
	src := openTestStore(t)
	dst := openTestStore(t)
	ctx := context.Background()

	sess, _ := src.CreateSession(ctx)
	now := time.Now().UTC().Truncate(time.Second)
	if _, err := src.Put(ctx, ConversationTurn{SessionID: sess.ID, Timestamp: now, Provider: "gemini", Prompt: "hi", Response: "hello"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	snap, err := src.ExportAll(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Sessions) != 1 || len(snap.Conversations) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := dst.ImportAll(ctx, snap, false); err != nil {
		t.Fatalf("import: %v", err)
	}
	recs, err := dst.GetAll(ctx, KindConversation, sess.ID)
	if err != nil {
		t.Fatalf("get imported: %v", err)
	}
	if len(recs) != 1 || recs[0].(ConversationTurn).Prompt != "hi" {
		t.Fatalf("import round trip mismatch: %+v", recs)
	}
}
