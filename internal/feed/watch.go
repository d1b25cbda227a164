package feed

import (
	"context"
	"fmt"

	"inboxpilot/internal/database"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/models"

	"github.com/rs/zerolog"
)

// WatchManager keeps provider push subscriptions alive. Expired
// subscriptions silently stop the change feed, so the scheduler renews
// them well before the provider deadline.
type WatchManager struct {
	db     *database.DB
	topic  string
	logger zerolog.Logger
}

func NewWatchManager(db *database.DB, topic string, logger zerolog.Logger) *WatchManager {
	return &WatchManager{db: db, topic: topic, logger: logger}
}

// Renew re-registers the push subscription for one account and stores
// the returned head position and expiration on the cursor row.
func (w *WatchManager) Renew(ctx context.Context, accountID int64, client mail.Client) error {
	if w.topic == "" {
		// Without a topic the fallback polling loop carries the feed.
		return nil
	}

	labels, err := w.db.GetLabels(ctx, accountID)
	if err != nil {
		return err
	}

	// INBOX plus the user-action labels, so pushes fire for both new
	// mail and manual label changes.
	watchLabels := []string{"INBOX"}
	for _, key := range []string{models.LabelNeedsResponse, models.LabelRework, models.LabelDone} {
		if id, ok := labels[key]; ok {
			watchLabels = append(watchLabels, id)
		}
	}

	resp, err := client.Watch(ctx, w.topic, watchLabels)
	if err != nil {
		return fmt.Errorf("renew watch for account %d: %w", accountID, err)
	}

	// A first-time account has no cursor yet; seed it from the watch
	// head so the next pass is incremental.
	cursor, err := w.db.GetCursor(ctx, accountID)
	if err != nil {
		return err
	}
	if cursor == nil {
		if err := w.db.UpsertCursor(ctx, accountID, resp.HistoryID); err != nil {
			return err
		}
	}
	if err := w.db.SetWatch(ctx, accountID, w.topic, resp.Expiration); err != nil {
		return err
	}

	w.logger.Info().
		Int64("account_id", accountID).
		Time("expires", resp.Expiration).
		Msg("watch renewed")
	return nil
}
