package models

import (
	"database/sql"
	"time"
)

// SyncCursor is the per-account position in the provider change history.
// LastHistoryID advances only after a batch of change records has been
// durably turned into jobs.
type SyncCursor struct {
	AccountID       int64          `json:"account_id"`
	LastHistoryID   string         `json:"last_history_id"`
	LastSyncAt      time.Time      `json:"last_sync_at"`
	WatchResourceID sql.NullString `json:"watch_resource_id,omitempty"`
	WatchExpiration sql.NullTime   `json:"watch_expiration,omitempty"`
}
