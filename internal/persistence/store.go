// Package persistence provides the process-lifetime store backing the desk's
// query table and the orchestrator's task history ledger. It runs SQLite fully
// in memory: state is durable for the life of the process and intentionally
// lost on restart. Nothing is written to disk.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/handloop/internal/bus"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a query id is unknown.
var ErrNotFound = errors.New("query not found")

// ErrAlreadyAnswered is returned when a query already holds an answer.
// The original answer stands; duplicates are rejected without mutation.
var ErrAlreadyAnswered = errors.New("query already answered")

// History outcome values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Query is a stored human query and, once answered, its response.
type Query struct {
	ID          string     `json:"query_id"`
	Question    string     `json:"question"`
	Context     string     `json:"context,omitempty"`
	CallbackURL string     `json:"callback_url,omitempty"`
	CreatedAt   time.Time  `json:"timestamp"`
	Response    string     `json:"response,omitempty"`
	Answered    bool       `json:"answered"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
}

// HistoryEntry is one task attempt recorded against an agent key.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
}

// Store wraps the in-memory database.
type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

// Open creates a fresh in-memory store. The bus is optional; when present,
// query lifecycle events are published for desk observers.
func Open(eventBus *bus.Bus) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single connection keeps the :memory: database alive and serializes
	// writers; the store's callers are request handlers, not batch jobs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database. All state is gone afterwards.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			callback_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			response TEXT,
			answered_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queries_answered ON queries(answered_at)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			agent_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_agent ON history(agent_key, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateQuery stores a new unanswered query and returns it with a generated id.
func (s *Store) CreateQuery(ctx context.Context, question, queryContext, callbackURL string) (*Query, error) {
	q := &Query{
		ID:          uuid.NewString(),
		Question:    question,
		Context:     queryContext,
		CallbackURL: callbackURL,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queries (id, question, context, callback_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.Question, q.Context, q.CallbackURL, q.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert query: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicQueryCreated, bus.QueryEvent{
			QueryID:  q.ID,
			Question: q.Question,
			Context:  q.Context,
		})
	}
	return q, nil
}

// GetQuery loads a query by id.
func (s *Store) GetQuery(ctx context.Context, id string) (*Query, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, question, context, callback_url, created_at, response, answered_at
		 FROM queries WHERE id = ?`, id)
	return scanQuery(row)
}

// ListUnanswered returns all queries without an answer, oldest first.
func (s *Store) ListUnanswered(ctx context.Context) ([]*Query, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question, context, callback_url, created_at, response, answered_at
		 FROM queries WHERE answered_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unanswered: %w", err)
	}
	defer rows.Close()

	queries := make([]*Query, 0)
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// AnswerQuery records the one and only answer for a query. It returns
// ErrNotFound for unknown ids and ErrAlreadyAnswered when an answer exists;
// the stored answer is never overwritten.
func (s *Store) AnswerQuery(ctx context.Context, id, response string) (*Query, error) {
	q, err := s.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Answered {
		return nil, ErrAlreadyAnswered
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET response = ?, answered_at = ? WHERE id = ? AND answered_at IS NULL`,
		response, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return nil, fmt.Errorf("answer query: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with another answer; the first one stands.
		return nil, ErrAlreadyAnswered
	}

	q.Response = response
	q.Answered = true
	q.AnsweredAt = &now

	if s.bus != nil {
		s.bus.Publish(bus.TopicQueryAnswered, bus.QueryEvent{
			QueryID:  q.ID,
			Question: q.Question,
			Response: response,
		})
	}
	return q, nil
}

// Counts returns the number of pending and answered queries.
func (s *Store) Counts(ctx context.Context) (pending, answered int, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(CASE WHEN answered_at IS NULL THEN 1 END),
			COUNT(CASE WHEN answered_at IS NOT NULL THEN 1 END)
		 FROM queries`)
	if err := row.Scan(&pending, &answered); err != nil {
		return 0, 0, fmt.Errorf("count queries: %w", err)
	}
	return pending, answered, nil
}

// PruneAnswered deletes answered queries older than the retention window and
// returns how many were removed. Unanswered queries are never pruned.
func (s *Store) PruneAnswered(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queries WHERE answered_at IS NOT NULL AND answered_at < ?`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune answered: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanQuery(row interface{ Scan(...any) error }) (*Query, error) {
	var q Query
	var createdAt string
	var response, answeredAt sql.NullString
	err := row.Scan(&q.ID, &q.Question, &q.Context, &q.CallbackURL, &createdAt, &response, &answeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan query: %w", err)
	}
	q.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if response.Valid {
		q.Response = response.String
	}
	if answeredAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, answeredAt.String)
		q.AnsweredAt = &t
		q.Answered = true
	}
	return &q, nil
}
