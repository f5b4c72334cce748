// Package session owns the active session id and mediates every read
// and write of persisted records. Capabilities never touch storage;
// the controller goes through a Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"deskagent/internal/storage"
)

// Scope selects which sessions an operation spans.
type Scope string

const (
	ScopeCurrent Scope = "current-session"
	ScopeAll     Scope = "all-sessions"
)

// TargetAll forgets every record kind at once.
const TargetAll = "all"

var (
	ErrInvalidScope  = errors.New("invalid scope")
	ErrInvalidTarget = errors.New("invalid forget target")
	ErrInvalidKind   = errors.New("invalid record kind")
)

// StorageError marks a persistence failure. There is no partial state
// behind it: the record is either fully durable or not stored at all,
// and the caller decides whether to retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type Manager struct {
	store  *storage.Store
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	active    storage.Session
	lastStamp map[storage.Kind]time.Time
}

type Config struct {
	Store  *storage.Store
	Logger zerolog.Logger
	// ResumeSession continues an existing session instead of starting a
	// fresh one; ignored when the id is unknown.
	ResumeSession string
	// Now is swappable in tests.
	Now func() time.Time
}

func Open(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	m := &Manager{
		store:     cfg.Store,
		logger:    cfg.Logger,
		now:       cfg.Now,
		lastStamp: map[storage.Kind]time.Time{},
	}

	if cfg.ResumeSession != "" {
		sess, err := cfg.Store.GetSession(ctx, cfg.ResumeSession)
		if err == nil {
			m.active = sess
			m.logger.Info().Str("session_id", sess.ID).Msg("session resumed")
			return m, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, &StorageError{Op: "resume session", Err: err}
		}
	}

	sess, err := cfg.Store.CreateSession(ctx)
	if err != nil {
		return nil, &StorageError{Op: "create session", Err: err}
	}
	m.active = sess
	m.logger.Info().Str("session_id", sess.ID).Msg("session started")
	return m, nil
}

func (m *Manager) ActiveSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.ID
}

// Reset starts a fresh session and makes it active. Prior sessions and
// their records stay intact until forgotten.
func (m *Manager) Reset(ctx context.Context) (string, error) {
	sess, err := m.store.CreateSession(ctx)
	if err != nil {
		return "", &StorageError{Op: "reset session", Err: err}
	}

	m.mu.Lock()
	m.active = sess
	m.lastStamp = map[storage.Kind]time.Time{}
	m.mu.Unlock()

	m.logger.Info().Str("session_id", sess.ID).Msg("session reset")
	return sess.ID, nil
}

// Record stamps the payload with the active session id and the current
// time, then persists it. The stamp never goes backwards for a kind
// within a session, even across clock regressions.
func (m *Manager) Record(ctx context.Context, rec storage.Record) (storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := rec.RecordKind()
	ts := m.now()
	if last, ok := m.lastStamp[kind]; ok && ts.Before(last) {
		ts = last
	}

	stamped, err := stamp(rec, m.active.ID, ts)
	if err != nil {
		return nil, err
	}

	id, err := m.store.Put(ctx, stamped)
	if err != nil {
		return nil, &StorageError{Op: "put " + string(kind), Err: err}
	}
	m.lastStamp[kind] = ts

	return withID(stamped, id), nil
}

// History returns records of kind within scope, oldest first.
func (m *Manager) History(ctx context.Context, kind storage.Kind, scope Scope) ([]storage.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	sessionID, err := m.scopeSession(scope)
	if err != nil {
		return nil, err
	}
	recs, err := m.store.GetAll(ctx, kind, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "list " + string(kind), Err: err}
	}
	return recs, nil
}

// Forget irreversibly deletes records. Target is a record kind or
// TargetAll; Configuration is never touched.
func (m *Manager) Forget(ctx context.Context, target string, scope Scope) error {
	sessionID, err := m.scopeSession(scope)
	if err != nil {
		return err
	}

	var kinds []storage.Kind
	if target == TargetAll {
		kinds = storage.Kinds()
	} else {
		kind := storage.Kind(target)
		if !kind.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
		kinds = []storage.Kind{kind}
	}

	for _, kind := range kinds {
		if err := m.store.Delete(ctx, kind, sessionID); err != nil {
			return &StorageError{Op: "delete " + string(kind), Err: err}
		}
	}

	m.logger.Info().Str("target", target).Str("scope", string(scope)).Msg("records forgotten")
	return nil
}

func (m *Manager) Export(ctx context.Context) (storage.Snapshot, error) {
	snap, err := m.store.ExportAll(ctx)
	if err != nil {
		return storage.Snapshot{}, &StorageError{Op: "export", Err: err}
	}
	return snap, nil
}

func (m *Manager) Import(ctx context.Context, snap storage.Snapshot, replace bool) error {
	if err := m.store.ImportAll(ctx, snap, replace); err != nil {
		return &StorageError{Op: "import", Err: err}
	}
	return nil
}

func (m *Manager) scopeSession(scope Scope) (string, error) {
	switch scope {
	case ScopeCurrent:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.active.ID, nil
	case ScopeAll:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

func stamp(rec storage.Record, sessionID string, ts time.Time) (storage.Record, error) {
	switch r := rec.(type) {
	case storage.ConversationTurn:
		r.SessionID, r.Timestamp = sessionID, ts
		return r, nil
	case storage.ScrapeRecord:
		r.SessionID, r.Timestamp = sessionID, ts
		return r, nil
	case storage.AnalysisRecord:
		r.SessionID, r.Timestamp = sessionID, ts
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidKind, rec)
	}
}

func withID(rec storage.Record, id int64) storage.Record {
	switch r := rec.(type) {
	case storage.ConversationTurn:
		r.ID = id
		return r
	case storage.ScrapeRecord:
		r.ID = id
		return r
	case storage.AnalysisRecord:
		r.ID = id
		return r
	}
	return rec
}
