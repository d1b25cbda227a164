package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inboxpilot/internal/models"
)

// GetCursor returns nil, nil when the account has never synced.
func (db *DB) GetCursor(ctx context.Context, accountID int64) (*models.SyncCursor, error) {
	var c models.SyncCursor
	err := db.db.QueryRowContext(ctx,
		`SELECT account_id, last_history_id, last_sync_at, watch_resource_id, watch_expiration
         FROM sync_cursors WHERE account_id = ?`, accountID,
	).Scan(&c.AccountID, &c.LastHistoryID, &c.LastSyncAt, &c.WatchResourceID, &c.WatchExpiration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return &c, nil
}

// UpsertCursor advances the stored feed position. Callers must only invoke
// this after the batch behind historyID has been durably turned into jobs.
func (db *DB) UpsertCursor(ctx context.Context, accountID int64, historyID string) error {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (account_id, last_history_id, last_sync_at)
         VALUES (?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(account_id) DO UPDATE SET
             last_history_id = excluded.last_history_id,
             last_sync_at = CURRENT_TIMESTAMP`,
		accountID, historyID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync cursor: %w", err)
	}
	return nil
}

// SetWatch records the push-notification subscription on the cursor row.
func (db *DB) SetWatch(ctx context.Context, accountID int64, resourceID string, expiration time.Time) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE sync_cursors SET watch_resource_id = ?, watch_expiration = ? WHERE account_id = ?`,
		resourceID, expiration.UTC(), accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to set watch: %w", err)
	}
	return nil
}

// GetExpiringWatches returns account IDs whose subscription lapses within the
// given window (or that have no recorded expiration at all).
func (db *DB) GetExpiringWatches(ctx context.Context, within time.Duration) ([]int64, error) {
	threshold := time.Now().UTC().Add(within)
	rows, err := db.db.QueryContext(ctx,
		`SELECT account_id FROM sync_cursors
         WHERE watch_expiration IS NULL OR watch_expiration < ?`, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring watches: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan watch row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
