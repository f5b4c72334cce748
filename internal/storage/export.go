package storage

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is the portable JSON form of all persisted records.
// Credentials are deliberately absent: envelopes are bound to the
// installation's master keys and would be useless elsewhere.
type Snapshot struct {
	Sessions      []Session          `json:"sessions"`
	Conversations []ConversationTurn `json:"conversations"`
	Scrapes       []ScrapeRecord     `json:"scrapes"`
	Analyses      []AnalysisRecord   `json:"analyses"`
	Preferences   map[string]string  `json:"preferences"`
	ExportedAt    time.Time          `json:"exported_at"`
}

func (s *Store) ExportAll(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ExportedAt: time.Now().UTC()}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Sessions = sessions

	turns, err := s.GetAll(ctx, KindConversation, "")
	if err != nil {
		return Snapshot{}, err
	}
	for _, r := range turns {
		snap.Conversations = append(snap.Conversations, r.(ConversationTurn))
	}

	scrapes, err := s.GetAll(ctx, KindScrape, "")
	if err != nil {
		return Snapshot{}, err
	}
	for _, r := range scrapes {
		snap.Scrapes = append(snap.Scrapes, r.(ScrapeRecord))
	}

	analyses, err := s.GetAll(ctx, KindAnalysis, "")
	if err != nil {
		return Snapshot{}, err
	}
	for _, r := range analyses {
		snap.Analyses = append(snap.Analyses, r.(AnalysisRecord))
	}

	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Preferences = cfg.Preferences

	return snap, nil
}

// ImportAll loads a snapshot. With replace set, existing records of all
// three kinds are removed first; sessions and configuration survive
// either way (credentials are never part of a snapshot).
func (s *Store) ImportAll(ctx context.Context, snap Snapshot, replace bool) error {
	if replace {
		for _, kind := range Kinds() {
			if err := s.Delete(ctx, kind, ""); err != nil {
				return err
			}
		}
	}

	for _, sess := range snap.Sessions {
		q := s.sql.Insert("sessions").
			Columns("id", "created_at").
			Values(sess.ID, sess.CreatedAt).
			Suffix("ON CONFLICT(id) DO NOTHING")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build import session query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("import session %s: %w", sess.ID, err)
		}
	}

	for _, t := range snap.Conversations {
		if _, err := s.Put(ctx, t); err != nil {
			return fmt.Errorf("import conversation: %w", err)
		}
	}
	for _, r := range snap.Scrapes {
		if _, err := s.Put(ctx, r); err != nil {
			return fmt.Errorf("import scrape: %w", err)
		}
	}
	for _, r := range snap.Analyses {
		if _, err := s.Put(ctx, r); err != nil {
			return fmt.Errorf("import analysis: %w", err)
		}
	}

	if len(snap.Preferences) > 0 {
		cfg, err := s.LoadConfig(ctx)
		if err != nil {
			return err
		}
		for k, v := range snap.Preferences {
			cfg.Preferences[k] = v
		}
		if err := s.SaveConfig(ctx, cfg); err != nil {
			return err
		}
	}

	return nil
}
