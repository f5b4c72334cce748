package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnknownSession is returned when a record names a session id
	// that was never created.
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownKind    = errors.New("unknown record kind")
)

func (s *Store) CreateSession(ctx context.Context) (Session, error) {
	sess := Session{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	q := s.sql.Insert("sessions").Columns("id", "created_at").Values(sess.ID, sess.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	q := s.sql.Select("id", "created_at").From("sessions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build get session query: %w", err)
	}
	var sess Session
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&sess.ID, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	q := s.sql.Select("id", "created_at").From("sessions").OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *Store) sessionExists(ctx context.Context, id string) error {
	if id == "" {
		return ErrUnknownSession
	}
	_, err := s.GetSession(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return err
}

// Put persists a record. The write is committed before Put returns;
// there is no buffering that could be lost on crash.
func (s *Store) Put(ctx context.Context, rec Record) (int64, error) {
	if err := s.sessionExists(ctx, rec.Session()); err != nil {
		return 0, err
	}

	var q sq.InsertBuilder
	switch r := rec.(type) {
	case ConversationTurn:
		q = s.sql.Insert("conversation_turns").
			Columns("session_id", "ts", "provider", "prompt", "response").
			Values(r.SessionID, r.Timestamp, r.Provider, r.Prompt, r.Response)
	case ScrapeRecord:
		links, err := marshalJSON(r.Links, "[]")
		if err != nil {
			return 0, fmt.Errorf("marshal links: %w", err)
		}
		tables, err := marshalJSON(r.Tables, "[]")
		if err != nil {
			return 0, fmt.Errorf("marshal tables: %w", err)
		}
		q = s.sql.Insert("scrape_records").
			Columns("session_id", "ts", "url", "content", "links_json", "tables_json").
			Values(r.SessionID, r.Timestamp, r.URL, r.Text, links, tables)
	case AnalysisRecord:
		stats, err := marshalJSON(r.Stats, "{}")
		if err != nil {
			return 0, fmt.Errorf("marshal stats: %w", err)
		}
		artifacts, err := marshalJSON(r.Artifacts, "[]")
		if err != nil {
			return 0, fmt.Errorf("marshal artifacts: %w", err)
		}
		q = s.sql.Insert("analysis_records").
			Columns("session_id", "ts", "dataset_ref", "operation", "stats_json", "artifacts_json").
			Values(r.SessionID, r.Timestamp, r.DatasetRef, r.Operation, stats, artifacts)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownKind, rec)
	}

	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build put query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("put %s record: %w", rec.RecordKind(), err)
		}
		return id, nil
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build put query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("put %s record: %w", rec.RecordKind(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("put %s record id: %w", rec.RecordKind(), err)
	}
	return id, nil
}

// GetAll returns records of kind ordered by timestamp ascending.
// An empty sessionID spans all sessions.
func (s *Store) GetAll(ctx context.Context, kind Kind, sessionID string) ([]Record, error) {
	switch kind {
	case KindConversation:
		return s.listTurns(ctx, sessionID)
	case KindScrape:
		return s.listScrapes(ctx, sessionID)
	case KindAnalysis:
		return s.listAnalyses(ctx, sessionID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Delete removes records of kind, scoped to sessionID when non-empty.
// Deleting an already-empty set succeeds silently.
func (s *Store) Delete(ctx context.Context, kind Kind, sessionID string) error {
	table, ok := tableFor(kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	q := s.sql.Delete(table)
	if sessionID != "" {
		q = q.Where(sq.Eq{"session_id": sessionID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete %s records: %w", kind, err)
	}
	return nil
}

func tableFor(kind Kind) (string, bool) {
	switch kind {
	case KindConversation:
		return "conversation_turns", true
	case KindScrape:
		return "scrape_records", true
	case KindAnalysis:
		return "analysis_records", true
	}
	return "", false
}

func (s *Store) listTurns(ctx context.Context, sessionID string) ([]Record, error) {
	q := s.sql.Select("id", "session_id", "ts", "provider", "prompt", "response").
		From("conversation_turns").
		OrderBy("ts ASC", "id ASC")
	if sessionID != "" {
		q = q.Where(sq.Eq{"session_id": sessionID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list turns query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Timestamp, &t.Provider, &t.Prompt, &t.Response); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *Store) listScrapes(ctx context.Context, sessionID string) ([]Record, error) {
	q := s.sql.Select("id", "session_id", "ts", "url", "content", "links_json", "tables_json").
		From("scrape_records").
		OrderBy("ts ASC", "id ASC")
	if sessionID != "" {
		q = q.Where(sq.Eq{"session_id": sessionID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list scrapes query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list scrapes: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r ScrapeRecord
		var links, tables string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Timestamp, &r.URL, &r.Text, &links, &tables); err != nil {
			return nil, fmt.Errorf("scan scrape row: %w", err)
		}
		if err := json.Unmarshal([]byte(links), &r.Links); err != nil {
			return nil, fmt.Errorf("parse links json: %w", err)
		}
		if err := json.Unmarshal([]byte(tables), &r.Tables); err != nil {
			return nil, fmt.Errorf("parse tables json: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scrape rows: %w", err)
	}
	return out, nil
}

func (s *Store) listAnalyses(ctx context.Context, sessionID string) ([]Record, error) {
	q := s.sql.Select("id", "session_id", "ts", "dataset_ref", "operation", "stats_json", "artifacts_json").
		From("analysis_records").
		OrderBy("ts ASC", "id ASC")
	if sessionID != "" {
		q = q.Where(sq.Eq{"session_id": sessionID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list analyses query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var r AnalysisRecord
		var stats, artifacts string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Timestamp, &r.DatasetRef, &r.Operation, &stats, &artifacts); err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
			return nil, fmt.Errorf("parse stats json: %w", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
			return nil, fmt.Errorf("parse artifacts json: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis rows: %w", err)
	}
	return out, nil
}

func marshalJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}
