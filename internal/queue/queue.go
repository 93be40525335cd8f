// Package queue gives accepted patch candidates durable, crash-recoverable
// state between enqueue and rollout. Every operation opens and closes its
// own connection around a single read or write; no lock is held across
// calls, so concurrent callers interleave at statement granularity. That is
// an accepted tradeoff for a low-contention single-operator workflow, not a
// multi-writer consistency guarantee.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/kubemend/kubemend/internal/sched"
)

// StateQueued is the only state the queue itself writes. PickNext is
// deliberately non-mutating and idempotent-repeatable: it returns the same
// top item until an operator removes it with Complete. There is no implicit
// in-progress transition.
const StateQueued = "queued"

// Item is one durable queue entry: the scheduler candidate plus queue
// bookkeeping. Wait is derived at read time from EnqueuedAt, never stored
// as a static value.
type Item struct {
	sched.Candidate
	PolicyID    string    `json:"policy_id"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastUpdate  time.Time `json:"last_update"`
}

// Store is a SQLite-backed queue at a fixed path.
type Store struct {
	path   string
	logger zerolog.Logger
	// now is swappable for tests.
	now func() time.Time
}

// New returns a store for the database at path. Call Init before use.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

func (s *Store) open() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	dsn := s.path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Init idempotently creates the schema.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		enqueued_at DATETIME NOT NULL,
		last_update DATETIME NOT NULL,
		risk REAL NOT NULL,
		probability REAL NOT NULL,
		expected_time REAL NOT NULL,
		kev BOOLEAN NOT NULL DEFAULT FALSE,
		wait REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_items_state ON items(state);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize queue schema: %w", err)
	}
	return nil
}

// Enqueue upserts items keyed by id. An existing id is overwritten with a
// fresh queued state and enqueue time (re-enqueue semantics, not append).
func (s *Store) Enqueue(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	now := s.now().UTC()
	for _, item := range items {
		maxAttempts := item.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO items (id, policy_id, state, attempts, max_attempts, enqueued_at, last_update, risk, probability, expected_time, kev, wait)
			VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(id) DO UPDATE SET
				policy_id = excluded.policy_id,
				state = excluded.state,
				attempts = excluded.attempts,
				max_attempts = excluded.max_attempts,
				enqueued_at = excluded.enqueued_at,
				last_update = excluded.last_update,
				risk = excluded.risk,
				probability = excluded.probability,
				expected_time = excluded.expected_time,
				kev = excluded.kev,
				wait = excluded.wait`,
			item.ID, item.PolicyID, StateQueued, maxAttempts, now, now,
			item.Risk, item.Probability, item.ExpectedTime, item.KEV,
		)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", item.ID, err)
		}
		s.logger.Debug().Str("id", item.ID).Str("policy", item.PolicyID).Msg("Enqueued patch candidate")
	}
	return nil
}

// PickNext recomputes every queued item's wait, ranks them, and returns the
// top-scoring item without mutating its state. Returns nil when the queue
// is empty.
func (s *Store) PickNext(ctx context.Context, p sched.Params) (*Item, error) {
	items, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	candidates := make([]sched.Candidate, len(items))
	byID := make(map[string]Item, len(items))
	for i, item := range items {
		candidates[i] = item.Candidate
		byID[item.ID] = item
	}

	top := sched.Rank(candidates, p)[0]
	picked := byID[top.ID]
	picked.Candidate = top
	return &picked, nil
}

// List returns all queued items with wait recomputed as hours since
// enqueue.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT id, policy_id, state, attempts, max_attempts, enqueued_at, last_update, risk, probability, expected_time, kev
		FROM items WHERE state = ? ORDER BY enqueued_at, id`, StateQueued)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	now := s.now().UTC()
	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(
			&item.ID, &item.PolicyID, &item.State, &item.Attempts, &item.MaxAttempts,
			&item.EnqueuedAt, &item.LastUpdate,
			&item.Risk, &item.Probability, &item.ExpectedTime, &item.KEV,
		); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		item.Wait = now.Sub(item.EnqueuedAt).Hours()
		items = append(items, item)
	}
	return items, rows.Err()
}

// Complete removes an item: the explicit operator transition out of the
// queued state.
func (s *Store) Complete(ctx context.Context, id string) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue item %s not found", id)
	}
	s.logger.Info().Str("id", id).Msg("Removed queue item")
	return nil
}
