package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	roadside "github.com/goliatone/go-roadside"
)

// SQLiteStore is the durable RecordStore. Optimistic concurrency is enforced
// with a `WHERE version = ?` compare-and-set; the change feed is fed from the
// writer side after each commit.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	watchers map[int]chan Change
	nextID   int
}

// OpenSQLite opens (or creates) the incident database at path and runs
// migrations. Use ":memory:" for throwaway stores.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "open incident db", err,
			map[string]any{"path": path})
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "enable wal", err, nil)
	}
	s := &SQLiteStore{db: db, watchers: make(map[int]chan Change)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, watchers: make(map[int]chan Change)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS incidents (
			id       TEXT PRIMARY KEY,
			version  INTEGER NOT NULL,
			status   TEXT NOT NULL,
			record   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
	`)
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "migrate incident db", err, nil)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores (executions, wait
// tokens, effect ledger) can share one database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*roadside.Incident, error) {
	id = strings.TrimSpace(id)
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM incidents WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, roadside.WrapError(roadside.ErrNotFound, "incident not found", nil,
			map[string]any{"incident_id": id})
	}
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "load incident", err,
			map[string]any{"incident_id": id})
	}
	return decodeIncident(id, raw)
}

func (s *SQLiteStore) Create(ctx context.Context, inc *roadside.Incident) error {
	if inc == nil || strings.TrimSpace(inc.ID) == "" {
		return roadside.WrapError(roadside.ErrInvalidTransition, "incident id required", nil, nil)
	}
	rec := inc.Clone()
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	raw, err := json.Marshal(rec)
	if err != nil {
		return roadside.WrapError(roadside.ErrTransientInfra, "encode incident", err,
			map[string]any{"incident_id": rec.ID})
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, version, status, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.Version, string(rec.Status), string(raw), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return roadside.WrapError(roadside.ErrConflict, "incident already exists", err,
				map[string]any{"incident_id": rec.ID})
		}
		return roadside.WrapError(roadside.ErrTransientInfra, "insert incident", err,
			map[string]any{"incident_id": rec.ID})
	}
	s.notify(rec)
	return nil
}

func (s *SQLiteStore) ConditionalUpdate(
	ctx context.Context,
	id string,
	expectedStatus roadside.IncidentStatus,
	fn Mutator,
) (*roadside.Incident, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedStatus != "" && current.Status != expectedStatus {
		return nil, roadside.WrapError(roadside.ErrConflict, "status precondition failed", nil,
			map[string]any{
				"incident_id": id,
				"expected":    string(expectedStatus),
				"actual":      string(current.Status),
			})
	}

	next := current.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	priorVersion := current.Version
	next.Version = priorVersion + 1
	next.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "encode incident", err,
			map[string]any{"incident_id": id})
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET version = ?, status = ?, record = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Version, string(next.Status), string(raw),
		next.UpdatedAt.Format(time.RFC3339Nano), id, priorVersion)
	if err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "update incident", err,
			map[string]any{"incident_id": id})
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, roadside.WrapError(roadside.ErrConflict, "version conflict", nil,
			map[string]any{"incident_id": id, "expected_version": priorVersion})
	}
	s.notify(next)
	return next.Clone(), nil
}

func (s *SQLiteStore) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, watchBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *SQLiteStore) notify(rec *roadside.Incident) {
	change := Change{
		IncidentID: rec.ID,
		Status:     rec.Status,
		Version:    rec.Version,
		At:         rec.UpdatedAt,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

func decodeIncident(id, raw string) (*roadside.Incident, error) {
	var rec roadside.Incident
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "decode incident", err,
			map[string]any{"incident_id": id})
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
