package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome of an operator action
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Action is one recorded operator request
type Action struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	SourceID  int       `json:"source_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordAction appends an action to the audit log. A nil cause records
// success.
func (m *Manager) RecordAction(ctx context.Context, action string, sourceID int, cause error) (Action, error) {
	rec := Action{
		ID:        uuid.New().String(),
		Action:    action,
		SourceID:  sourceID,
		Outcome:   OutcomeOK,
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Outcome = OutcomeFailed
		rec.Error = cause.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.GetDB().ExecContext(ctx, `
		INSERT INTO operator_actions (id, action, source_id, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Action, rec.SourceID, rec.Outcome, rec.Error, rec.CreatedAt)
	if err != nil {
		return Action{}, fmt.Errorf("failed to record action: %w", err)
	}
	return rec, nil
}

// RecentActions returns up to limit actions, newest first. sourceID > 0
// restricts the result to one source.
func (m *Manager) RecentActions(ctx context.Context, sourceID, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	query := `
		SELECT id, action, source_id, outcome, error, created_at
		FROM operator_actions
		WHERE (? = 0 OR source_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := m.db.GetDB().QueryContext(ctx, query, sourceID, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.Action, &a.SourceID, &a.Outcome, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// PruneActions deletes actions older than cutoff and returns how many were
// removed
func (m *Manager) PruneActions(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM operator_actions WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune actions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Debug("Pruned operator actions", "count", n)
	}
	return n, nil
}
