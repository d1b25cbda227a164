// Package feed turns the provider change feed into deduplicated jobs.
// One pass reads history records since the stored cursor, derives at
// most one job per (job type, thread) and advances the cursor only
// after the whole batch is durably enqueued.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"inboxpilot/internal/database"
	"inboxpilot/internal/events"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/models"
	"inboxpilot/internal/routing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Result summarizes one pass.
type Result struct {
	NewMessages  int
	LabelChanges int
	Deletions    int
	JobsQueued   int
}

type dedupKey struct {
	jobType string
	scope   string
}

// Engine derives jobs from mailbox changes.
type Engine struct {
	db           *database.DB
	router       *routing.Router
	bus          *events.EventBus
	fullSyncDays int
	logger       zerolog.Logger
}

func NewEngine(db *database.DB, router *routing.Router, bus *events.EventBus, fullSyncDays int, logger zerolog.Logger) *Engine {
	if fullSyncDays <= 0 {
		fullSyncDays = 3
	}
	return &Engine{db: db, router: router, bus: bus, fullSyncDays: fullSyncDays, logger: logger}
}

// SyncAccount processes all changes since the stored cursor. A missing
// or stale cursor, or forceFull, falls back to a full reconciliation.
func (e *Engine) SyncAccount(ctx context.Context, accountID int64, client mail.Client, notifiedHistoryID string, forceFull bool) (*Result, error) {
	if forceFull {
		return e.FullSync(ctx, accountID, client)
	}

	cursor, err := e.db.GetCursor(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		e.logger.Warn().Int64("account_id", accountID).Msg("no sync cursor, falling back to full sync")
		return e.FullSync(ctx, accountID, client)
	}

	records, head, err := client.ListChangesSince(ctx, cursor.LastHistoryID)
	if err != nil {
		if errors.Is(err, mail.ErrStaleCursor) {
			e.logger.Warn().Int64("account_id", accountID).Str("cursor", cursor.LastHistoryID).
				Msg("history cursor stale, falling back to full sync")
			return e.FullSync(ctx, accountID, client)
		}
		// Fetch failed: leave the cursor untouched.
		return nil, fmt.Errorf("list changes for account %d: %w", accountID, err)
	}

	result := &Result{}
	passID := uuid.NewString()

	if len(records) == 0 {
		if notifiedHistoryID != "" {
			if err := e.db.UpsertCursor(ctx, accountID, notifiedHistoryID); err != nil {
				return nil, err
			}
		}
		return result, nil
	}

	labels, err := e.db.GetLabels(ctx, accountID)
	if err != nil {
		return nil, err
	}

	seen := make(map[dedupKey]struct{})
	for _, record := range records {
		if err := e.processRecord(ctx, accountID, client, record, labels, seen, result); err != nil {
			// Enqueue failed mid-batch: do not advance the cursor, the
			// records replay on the next pass and dedup absorbs them.
			return nil, err
		}
	}

	newHead := notifiedHistoryID
	if newHead == "" {
		newHead = head
	}
	if err := e.db.UpsertCursor(ctx, accountID, newHead); err != nil {
		return nil, err
	}

	metrics.IncFeedPass("incremental")
	_ = e.bus.PublishJSON(events.EventFeedPassCompleted, events.FeedPassPayload{
		AccountID: accountID, PassID: passID, Mode: "incremental",
		Enqueued: result.JobsQueued,
	})

	e.logger.Info().
		Int64("account_id", accountID).
		Str("pass_id", passID).
		Int("new", result.NewMessages).
		Int("label_changes", result.LabelChanges).
		Int("deletions", result.Deletions).
		Int("jobs", result.JobsQueued).
		Msg("incremental sync done")
	return result, nil
}

func (e *Engine) processRecord(ctx context.Context, accountID int64, client mail.Client, record mail.ChangeRecord, labels map[string]string, seen map[dedupKey]struct{}, result *Result) error {
	doneLabel := labels[models.LabelDone]
	reworkLabel := labels[models.LabelRework]
	needsResponseLabel := labels[models.LabelNeedsResponse]

	// New inbox messages go to classify, or to an agent profile when a
	// routing rule claims them.
	for _, ref := range record.Added {
		if !hasLabel(ref.LabelIDs, "INBOX") {
			continue
		}
		jobType := models.JobClassify
		var payload models.Payload = &models.ClassifyPayload{MessageID: ref.MessageID, ThreadID: ref.ThreadID}

		if decision := e.routeMessage(ctx, client, ref); decision.Route == routing.RouteAgent {
			jobType = models.JobAgentProcess
			payload = &models.AgentProcessPayload{
				MessageID: ref.MessageID,
				ThreadID:  ref.ThreadID,
				Profile:   decision.Profile,
				RuleName:  decision.RuleName,
			}
		}

		key := dedupKey{jobType, ref.ThreadID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, err := e.db.EnqueueJob(ctx, jobType, accountID, payload); err != nil {
			return err
		}
		result.NewMessages++
		result.JobsQueued++
	}

	// Label additions are user actions. Gmail reports one change per
	// message in a thread, hence the per-thread dedup.
	for _, change := range record.LabelsAdded {
		threadID := change.ThreadID
		if threadID == "" {
			threadID = change.MessageID
		}

		if doneLabel != "" && hasLabel(change.LabelIDs, doneLabel) {
			key := dedupKey{"cleanup_done", threadID}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				_, err := e.db.EnqueueJob(ctx, models.JobCleanup, accountID, &models.CleanupPayload{
					Action: models.CleanupDone, ThreadID: threadID, MessageID: change.MessageID,
				})
				if err != nil {
					return err
				}
				result.LabelChanges++
				result.JobsQueued++
			}
		}

		if reworkLabel != "" && hasLabel(change.LabelIDs, reworkLabel) {
			key := dedupKey{models.JobRework, threadID}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				_, err := e.db.EnqueueJob(ctx, models.JobRework, accountID, &models.ReworkPayload{
					MessageID: change.MessageID,
				})
				if err != nil {
					return err
				}
				result.LabelChanges++
				result.JobsQueued++
			}
		}

		if needsResponseLabel != "" && hasLabel(change.LabelIDs, needsResponseLabel) {
			key := dedupKey{models.JobManualDraft, threadID}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				_, err := e.db.EnqueueJob(ctx, models.JobManualDraft, accountID, &models.ManualDraftPayload{
					MessageID: change.MessageID,
				})
				if err != nil {
					return err
				}
				result.LabelChanges++
				result.JobsQueued++
			}
		}
	}

	// A deleted message may be a draft the user just sent. check_sent is
	// keyed per message; the handler itself is idempotent.
	for _, ref := range record.Deleted {
		key := dedupKey{"cleanup_check_sent", ref.MessageID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		_, err := e.db.EnqueueJob(ctx, models.JobCleanup, accountID, &models.CleanupPayload{
			Action: models.CleanupCheckSent, ThreadID: ref.ThreadID, MessageID: ref.MessageID,
		})
		if err != nil {
			return err
		}
		result.Deletions++
		result.JobsQueued++
	}

	return nil
}

// routeMessage fetches message metadata for the router. A vanished
// message routes to the pipeline; classify re-checks existence anyway.
func (e *Engine) routeMessage(ctx context.Context, client mail.Client, ref mail.MessageRef) routing.Decision {
	if e.router == nil {
		return routing.Decision{Route: routing.RoutePipeline}
	}
	msg, err := client.FetchMessage(ctx, ref.MessageID)
	if err != nil || msg == nil {
		return routing.Decision{Route: routing.RoutePipeline}
	}
	return e.router.Route(routing.MessageMeta{
		SenderEmail: msg.From,
		Subject:     msg.Subject,
		Body:        msg.Body,
		Headers:     map[string]string{"Reply-To": msg.To, "Message-Id": msg.MessageIDHdr},
	})
}

// FullSync scans current inbox contents instead of the change feed and
// resets the cursor to the provider head.
func (e *Engine) FullSync(ctx context.Context, accountID int64, client mail.Client) (*Result, error) {
	result := &Result{}

	labelNames, err := e.db.GetLabelNames(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var exclusions []string
	for _, key := range models.ManagedLabelKeys {
		if name, ok := labelNames[key]; ok {
			exclusions = append(exclusions, fmt.Sprintf("-label:%q", name))
		}
	}

	query := fmt.Sprintf("in:inbox newer_than:%dd %s -in:trash -in:spam",
		e.fullSyncDays, strings.Join(exclusions, " "))
	messages, err := client.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("full sync search for account %d: %w", accountID, err)
	}

	for _, msg := range messages {
		// Existing record or already-queued classify job: skip. This is
		// what makes overlapping full syncs enqueue nothing twice.
		conv, err := e.db.GetConversationByThread(ctx, accountID, msg.ThreadID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			continue
		}
		pending, err := e.db.HasPendingJobForThread(ctx, models.JobClassify, accountID, msg.ThreadID)
		if err != nil {
			return nil, err
		}
		if pending {
			continue
		}

		_, err = e.db.EnqueueJob(ctx, models.JobClassify, accountID, &models.ClassifyPayload{
			MessageID: msg.ID, ThreadID: msg.ThreadID,
		})
		if err != nil {
			return nil, err
		}
		result.NewMessages++
		result.JobsQueued++
	}

	// Reset the cursor to the provider head so the next incremental
	// pass starts fresh.
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("full sync profile for account %d: %w", accountID, err)
	}
	if err := e.db.UpsertCursor(ctx, accountID, profile.HistoryID); err != nil {
		return nil, err
	}

	metrics.IncFeedPass("full")
	_ = e.bus.PublishJSON(events.EventFeedPassCompleted, events.FeedPassPayload{
		AccountID: accountID, PassID: uuid.NewString(), Mode: "full",
		Enqueued: result.JobsQueued,
	})

	e.logger.Info().
		Int64("account_id", accountID).
		Int("unclassified", result.NewMessages).
		Msg("full sync done")
	return result, nil
}

func hasLabel(labelIDs []string, id string) bool {
	for _, l := range labelIDs {
		if l == id {
			return true
		}
	}
	return false
}
