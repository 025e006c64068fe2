package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	roadside "github.com/goliatone/go-roadside"
)

// SQLiteExecStore is the durable ExecStore backing restart recovery.
type SQLiteExecStore struct {
	db *sql.DB
}

// NewSQLiteExecStore wraps an existing database handle and runs migrations.
func NewSQLiteExecStore(db *sql.DB) (*SQLiteExecStore, error) {
	s := &SQLiteExecStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			incident_id TEXT PRIMARY KEY,
			node        TEXT NOT NULL,
			record      TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_node ON executions(node);
	`)
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "migrate executions", err, nil)
	}
	return nil
}

func (s *SQLiteExecStore) Load(ctx context.Context, incidentID string) (*ExecContext, error) {
	incidentID = strings.TrimSpace(incidentID)
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM executions WHERE incident_id = ?`, incidentID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, roadside.WrapError(roadside.ErrNotFound, "execution not found", nil,
			map[string]any{"incident_id": incidentID})
	}
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "load execution", err,
			map[string]any{"incident_id": incidentID})
	}
	var ec ExecContext
	if err := json.Unmarshal([]byte(raw), &ec); err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "decode execution", err,
			map[string]any{"incident_id": incidentID})
	}
	return &ec, nil
}

func (s *SQLiteExecStore) Save(ctx context.Context, ec *ExecContext) error {
	if ec == nil || strings.TrimSpace(ec.IncidentID) == "" {
		return roadside.WrapError(roadside.ErrInvalidTransition, "execution incident id required", nil, nil)
	}
	cp := ec.Clone()
	cp.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "encode execution", err,
			map[string]any{"incident_id": cp.IncidentID})
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (incident_id, node, record, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(incident_id) DO UPDATE SET
			node=excluded.node, record=excluded.record, updated_at=excluded.updated_at
	`, cp.IncidentID, string(cp.Node), string(raw), cp.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "save execution", err,
			map[string]any{"incident_id": cp.IncidentID})
	}
	return nil
}

// Active returns executions that still need driving, for restart recovery.
// Terminal executions whose final step has not completed are included.
func (s *SQLiteExecStore) Active(ctx context.Context) ([]*ExecContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM executions`)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "list active executions", err, nil)
	}
	defer rows.Close()
	var out []*ExecContext
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, roadside.WrapError(roadside.ErrTransientInfra, "scan execution", err, nil)
		}
		var ec ExecContext
		if err := json.Unmarshal([]byte(raw), &ec); err != nil {
			return nil, roadside.WrapError(roadside.ErrTransientInfra, "decode execution", err, nil)
		}
		if ec.Finished {
			continue
		}
		out = append(out, &ec)
	}
	if err := rows.Err(); err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "iterate executions", err, nil)
	}
	return out, nil
}
