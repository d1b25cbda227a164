package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"inboxpilot/internal/models"
)

const conversationColumns = `id, account_id, thread_id, message_id, sender_email,
       COALESCE(sender_name, ''), COALESCE(subject, ''), COALESCE(snippet, ''),
       COALESCE(received_at, ''), classification, confidence, COALESCE(reasoning, ''),
       resolved_style, message_count, status, COALESCE(draft_id, ''), rework_count,
       COALESCE(last_rework_instruction, ''), created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(
		&c.ID, &c.AccountID, &c.ThreadID, &c.MessageID, &c.SenderEmail,
		&c.SenderName, &c.Subject, &c.Snippet, &c.ReceivedAt,
		&c.Classification, &c.Confidence, &c.Reasoning,
		&c.ResolvedStyle, &c.MessageCount, &c.Status, &c.DraftID, &c.ReworkCount,
		&c.LastInstruction, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConversation inserts or refreshes the per-thread record. Status,
// draft_id and rework_count are owned by the lifecycle transitions and are
// not overwritten on conflict.
func (db *DB) UpsertConversation(ctx context.Context, c *models.Conversation) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO conversations (
            account_id, thread_id, message_id, sender_email, sender_name,
            subject, snippet, received_at, classification, confidence,
            reasoning, resolved_style, message_count, status, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP)
        ON CONFLICT(account_id, thread_id) DO UPDATE SET
            message_id = excluded.message_id,
            classification = excluded.classification,
            confidence = excluded.confidence,
            reasoning = excluded.reasoning,
            resolved_style = excluded.resolved_style,
            message_count = excluded.message_count,
            updated_at = CURRENT_TIMESTAMP`,
		c.AccountID, c.ThreadID, c.MessageID, c.SenderEmail, c.SenderName,
		c.Subject, c.Snippet, c.ReceivedAt, c.Classification, c.Confidence,
		c.Reasoning, c.ResolvedStyle, c.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// GetConversationByThread returns nil, nil when the thread has no record yet.
func (db *DB) GetConversationByThread(ctx context.Context, accountID int64, threadID string) (*models.Conversation, error) {
	c, err := scanConversation(db.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE account_id = ? AND thread_id = ?`,
		accountID, threadID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return c, nil
}

// GetConversationsByStatus lists an account's conversations in one status.
func (db *DB) GetConversationsByStatus(ctx context.Context, accountID int64, status string) ([]models.Conversation, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
         WHERE account_id = ? AND status = ? ORDER BY updated_at DESC`,
		accountID, status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountConversationsByStatus returns status → count for one account.
func (db *DB) CountConversationsByStatus(ctx context.Context, accountID int64) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM conversations WHERE account_id = ? GROUP BY status`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan conversation count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateConversationStatus flips the status and stamps updated_at.
func (db *DB) UpdateConversationStatus(ctx context.Context, accountID int64, threadID, status string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = CURRENT_TIMESTAMP
         WHERE account_id = ? AND thread_id = ?`,
		status, accountID, threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	return nil
}

// UpdateConversationDraft records a freshly created draft and moves the
// conversation to drafted.
func (db *DB) UpdateConversationDraft(ctx context.Context, accountID int64, threadID, draftID string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'drafted', draft_id = ?, updated_at = CURRENT_TIMESTAMP
         WHERE account_id = ? AND thread_id = ?`,
		draftID, accountID, threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation draft: %w", err)
	}
	return nil
}

// IncrementRework records a rework round: new draft, instruction, counter.
func (db *DB) IncrementRework(ctx context.Context, accountID int64, threadID, draftID, instruction string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE conversations SET rework_count = rework_count + 1,
            draft_id = ?, last_rework_instruction = ?,
            status = 'drafted', updated_at = CURRENT_TIMESTAMP
         WHERE account_id = ? AND thread_id = ?`,
		draftID, instruction, accountID, threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment rework: %w", err)
	}
	return nil
}

// UpdateMessageCount refreshes the stored thread length after a retriage.
func (db *DB) UpdateMessageCount(ctx context.Context, accountID int64, threadID string, count int) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE conversations SET message_count = ?, updated_at = CURRENT_TIMESTAMP
         WHERE account_id = ? AND thread_id = ?`,
		count, accountID, threadID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message count: %w", err)
	}
	return nil
}
