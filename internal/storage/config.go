package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// LoadConfig returns the live Configuration, or the defaults when none
// has been saved yet.
func (s *Store) LoadConfig(ctx context.Context) (Configuration, error) {
	q := s.sql.Select("payload_json").From("app_config").Where(sq.Eq{"id": 1})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Configuration{}, fmt.Errorf("build load config query: %w", err)
	}
	var payload string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DefaultConfiguration(), nil
		}
		return Configuration{}, fmt.Errorf("load config: %w", err)
	}
	var cfg Configuration
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parse config payload: %w", err)
	}
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]string{}
	}
	if cfg.Preferences == nil {
		cfg.Preferences = map[string]string{}
	}
	return cfg, nil
}

// SaveConfig replaces the single live Configuration row atomically.
func (s *Store) SaveConfig(ctx context.Context, cfg Configuration) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config payload: %w", err)
	}
	q := s.sql.Insert("app_config").
		Columns("id", "payload_json", "updated_at").
		Values(1, string(payload), nowExpr(s.driver)).
		Suffix("ON CONFLICT(id) DO UPDATE SET payload_json=excluded.payload_json, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save config query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
