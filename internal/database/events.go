package database

import (
	"context"
	"fmt"

	"inboxpilot/internal/models"
)

// LogEvent appends one audit row. Handlers write, observability reads.
func (db *DB) LogEvent(ctx context.Context, ev *models.Event) error {
	result, err := db.db.ExecContext(ctx,
		`INSERT INTO events (account_id, thread_id, event_type, detail, label_id, draft_id)
         VALUES (?, ?, ?, ?, ?, ?)`,
		ev.AccountID, ev.ThreadID, ev.EventType, ev.Detail, ev.LabelID, ev.DraftID,
	)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// GetThreadEvents returns a thread's audit trail in insertion order.
func (db *DB) GetThreadEvents(ctx context.Context, accountID int64, threadID string) ([]models.Event, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, account_id, thread_id, event_type, COALESCE(detail, ''),
                COALESCE(label_id, ''), COALESCE(draft_id, ''), created_at
         FROM events WHERE account_id = ? AND thread_id = ? ORDER BY created_at, id`,
		accountID, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get thread events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.ThreadID, &ev.EventType,
			&ev.Detail, &ev.LabelID, &ev.DraftID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetRecentEvents returns the newest audit rows across all threads.
func (db *DB) GetRecentEvents(ctx context.Context, accountID int64, limit int) ([]models.Event, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, account_id, thread_id, event_type, COALESCE(detail, ''),
                COALESCE(label_id, ''), COALESCE(draft_id, ''), created_at
         FROM events WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.ThreadID, &ev.EventType,
			&ev.Detail, &ev.LabelID, &ev.DraftID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
