package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	roadside "github.com/goliatone/go-roadside"
)

// EffectLedger records which side effects already ran so that re-invoking a
// step (after a crash, a conflict retry, or a duplicate delivery) applies
// each effect at most once. The idempotency key is incident + node + attempt
// + effect name.
type EffectLedger interface {
	// MarkOnce records the key and reports whether this call was the first.
	MarkOnce(ctx context.Context, key string) (bool, error)
}

// EffectKey builds the ledger key for one side effect of one logical step.
func EffectKey(incidentID string, node Node, attempt int, effect string) string {
	return fmt.Sprintf("%s::%s::%d::%s", strings.TrimSpace(incidentID), node, attempt, effect)
}

// MemoryLedger is the in-process EffectLedger used by tests.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]time.Time)}
}

func (l *MemoryLedger) MarkOnce(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, roadside.WrapError(roadside.ErrInvalidTransition, "effect key required", nil, nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.seen[key]; exists {
		return false, nil
	}
	l.seen[key] = time.Now().UTC()
	return true, nil
}

// SQLiteLedger is the durable EffectLedger; first-writer-wins via the
// primary key.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger wraps an existing database handle and runs migrations.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS effect_ledger (
			key        TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return nil, roadside.WrapError(roadside.ErrTransientInfra, "migrate effect ledger", err, nil)
	}
	return l, nil
}

func (l *SQLiteLedger) MarkOnce(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, roadside.WrapError(roadside.ErrInvalidTransition, "effect key required", nil, nil)
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO effect_ledger (key, applied_at) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, roadside.WrapError(roadside.ErrTransientInfra, "mark effect", err,
			map[string]any{"key": key})
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}
