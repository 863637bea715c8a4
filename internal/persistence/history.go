package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordHistory appends a task attempt to an agent's ledger. Agent keys need
// no registration; the first record creates the bucket.
func (s *Store) RecordHistory(ctx context.Context, agentKey, action, status string) (*HistoryEntry, error) {
	e := &HistoryEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Status:    status,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, agent_key, created_at, action, status) VALUES (?, ?, ?, ?, ?)`,
		e.ID, agentKey, e.Timestamp.Format(time.RFC3339Nano), e.Action, e.Status)
	if err != nil {
		return nil, fmt.Errorf("record history: %w", err)
	}
	return e, nil
}

// ListHistory returns an agent's entries newest first. An unknown agent key
// yields an empty slice, not an error.
func (s *Store) ListHistory(ctx context.Context, agentKey string) ([]*HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, action, status FROM history
		 WHERE agent_key = ? ORDER BY created_at DESC, rowid DESC`, agentKey)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := make([]*HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &createdAt, &e.Action, &e.Status); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
