package wait

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	roadside "github.com/goliatone/go-roadside"
)

// SQLiteTokenStore is the durable TokenStore. The consume flip uses
// `WHERE consumed = 0` so concurrent firers resolve to a single winner.
type SQLiteTokenStore struct {
	db *sql.DB
}

// NewSQLiteTokenStore wraps an existing database handle and runs migrations.
// The caller owns db; sharing the incident store's handle is fine.
func NewSQLiteTokenStore(db *sql.DB) (*SQLiteTokenStore, error) {
	s := &SQLiteTokenStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTokenStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS wait_tokens (
			id          TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			node        TEXT NOT NULL,
			kind        TEXT NOT NULL,
			expires_at  TEXT NOT NULL,
			consumed    INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wait_tokens_incident ON wait_tokens(incident_id, consumed);
		CREATE INDEX IF NOT EXISTS idx_wait_tokens_pending ON wait_tokens(consumed, expires_at);
	`)
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "migrate wait tokens", err, nil)
	}
	return nil
}

func (s *SQLiteTokenStore) Insert(ctx context.Context, tok *Token) error {
	if tok == nil || strings.TrimSpace(tok.ID) == "" {
		return roadside.WrapError(roadside.ErrInvalidTransition, "token id required", nil, nil)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wait_tokens (id, incident_id, node, kind, expires_at, consumed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, tok.ID, tok.IncidentID, tok.Node, string(tok.Kind),
		tok.ExpiresAt.UTC().Format(time.RFC3339Nano),
		tok.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "insert wait token", err,
			map[string]any{"token_id": tok.ID})
	}
	return nil
}

func (s *SQLiteTokenStore) Consume(ctx context.Context, tokenID string) (*Token, error) {
	tokenID = strings.TrimSpace(tokenID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE wait_tokens SET consumed = 1 WHERE id = ? AND consumed = 0`, tokenID)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "consume wait token", err,
			map[string]any{"token_id": tokenID})
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Either unknown or already consumed; distinguish for callers.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM wait_tokens WHERE id = ?`, tokenID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, roadside.WrapError(roadside.ErrNotFound, "token not found", nil,
				map[string]any{"token_id": tokenID})
		}
		if err != nil {
			return nil, roadside.WrapError(roadside.ErrTransientInfra, "probe wait token", err,
				map[string]any{"token_id": tokenID})
		}
		return nil, roadside.WrapError(roadside.ErrTokenConsumed, "", nil,
			map[string]any{"token_id": tokenID})
	}
	return s.get(ctx, tokenID)
}

func (s *SQLiteTokenStore) Outstanding(ctx context.Context, incidentID string) (*Token, error) {
	incidentID = strings.TrimSpace(incidentID)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, node, kind, expires_at, consumed, created_at
		FROM wait_tokens WHERE incident_id = ? AND consumed = 0
		ORDER BY created_at DESC LIMIT 1
	`, incidentID)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, roadside.WrapError(roadside.ErrNotFound, "no outstanding wait", nil,
			map[string]any{"incident_id": incidentID})
	}
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "load outstanding wait", err,
			map[string]any{"incident_id": incidentID})
	}
	return tok, nil
}

func (s *SQLiteTokenStore) RevokeByIncident(ctx context.Context, incidentID string) ([]*Token, error) {
	incidentID = strings.TrimSpace(incidentID)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, node, kind, expires_at, consumed, created_at
		FROM wait_tokens WHERE incident_id = ? AND consumed = 0
	`, incidentID)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "list incident waits", err,
			map[string]any{"incident_id": incidentID})
	}
	toks, err := collectTokens(rows)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE wait_tokens SET consumed = 1 WHERE incident_id = ? AND consumed = 0`,
		incidentID); err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "revoke incident waits", err,
			map[string]any{"incident_id": incidentID})
	}
	return toks, nil
}

func (s *SQLiteTokenStore) ListUnconsumed(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, node, kind, expires_at, consumed, created_at
		FROM wait_tokens WHERE consumed = 0
	`)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "list pending waits", err, nil)
	}
	return collectTokens(rows)
}

func (s *SQLiteTokenStore) get(ctx context.Context, tokenID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, incident_id, node, kind, expires_at, consumed, created_at
		FROM wait_tokens WHERE id = ?
	`, tokenID)
	tok, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, roadside.WrapError(roadside.ErrNotFound, "token not found", nil,
			map[string]any{"token_id": tokenID})
	}
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "load wait token", err,
			map[string]any{"token_id": tokenID})
	}
	return tok, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	var tok Token
	var kind string
	var expires, created string
	var consumed int
	if err := row.Scan(&tok.ID, &tok.IncidentID, &tok.Node, &kind, &expires, &consumed, &created); err != nil {
		return nil, err
	}
	tok.Kind = Kind(kind)
	tok.Consumed = consumed != 0
	var err error
	if tok.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return nil, err
	}
	if tok.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	return &tok, nil
}

func collectTokens(rows *sql.Rows) ([]*Token, error) {
	defer rows.Close()
	var out []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, roadside.WrapError(roadside.ErrTransientInfra, "scan wait token", err, nil)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "iterate wait tokens", err, nil)
	}
	return out, nil
}
