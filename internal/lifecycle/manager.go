// Package lifecycle owns the per-conversation state machine. The label
// changes a user makes in the mailbox arrive as cleanup/rework jobs;
// the transitions here are deterministic and need no collaborator
// intelligence, except rework which regenerates the draft.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"inboxpilot/internal/assist"
	"inboxpilot/internal/database"
	"inboxpilot/internal/events"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/models"

	"github.com/rs/zerolog"
)

// Manager applies conversation transitions. All Handle methods are
// idempotent against their preconditions: a signal observed twice
// (label event replays, job retries) returns (false, nil) the second
// time instead of erroring.
type Manager struct {
	db     *database.DB
	collab assist.Collaborator
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewManager(db *database.DB, collab assist.Collaborator, bus *events.EventBus, logger zerolog.Logger) *Manager {
	return &Manager{db: db, collab: collab, bus: bus, logger: logger}
}

// HandleDone archives a thread the user marked done: strip every
// processing label plus INBOX, keep the done marker.
func (m *Manager) HandleDone(ctx context.Context, accountID int64, threadID string, client mail.Client) (bool, error) {
	conv, err := m.db.GetConversationByThread(ctx, accountID, threadID)
	if err != nil {
		return false, err
	}
	if conv != nil && conv.TerminalStatus() {
		return false, nil
	}

	labels, err := m.db.GetLabels(ctx, accountID)
	if err != nil {
		return false, err
	}
	remove := []string{"INBOX"}
	for _, key := range models.ProcessingLabelKeys {
		if id, ok := labels[key]; ok {
			remove = append(remove, id)
		}
	}

	thread, err := client.FetchThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetch thread %s: %w", threadID, err)
	}

	if err := client.ModifyLabels(ctx, messageIDs(thread), nil, remove); err != nil {
		return false, err
	}

	if err := m.db.UpdateConversationStatus(ctx, accountID, threadID, models.ConversationArchived); err != nil {
		return false, err
	}
	m.audit(ctx, accountID, threadID, models.EventArchived, "done cleanup: archived thread, kept done label", "")
	_ = m.bus.PublishJSON(events.EventConversationArchived, events.ConversationEventPayload{
		AccountID: accountID, ThreadID: threadID, Status: models.ConversationArchived,
	})

	m.logger.Info().Int64("account_id", accountID).Str("thread_id", threadID).Msg("archived thread")
	return true, nil
}

// HandleSentDetection fires when a drafted thread's draft disappeared.
// If the recorded draft still exists nothing happened; otherwise the
// user sent it manually and the conversation moves to sent.
func (m *Manager) HandleSentDetection(ctx context.Context, accountID int64, threadID string, client mail.Client) (bool, error) {
	conv, err := m.db.GetConversationByThread(ctx, accountID, threadID)
	if err != nil {
		return false, err
	}
	if conv == nil || conv.DraftID == "" || conv.Status != models.ConversationDrafted {
		return false, nil
	}

	draft, err := client.GetDraft(ctx, conv.DraftID)
	if err != nil {
		return false, err
	}
	if draft != nil {
		// Draft still exists, not sent.
		return false, nil
	}

	labels, err := m.db.GetLabels(ctx, accountID)
	if err != nil {
		return false, err
	}
	if outbox, ok := labels[models.LabelOutbox]; ok {
		thread, err := client.FetchThread(ctx, threadID)
		if err != nil && !errors.Is(err, mail.ErrNotFound) {
			return false, err
		}
		if thread != nil {
			if err := client.ModifyLabels(ctx, messageIDs(thread), nil, []string{outbox}); err != nil {
				return false, err
			}
		}
	}

	if err := m.db.UpdateConversationStatus(ctx, accountID, threadID, models.ConversationSent); err != nil {
		return false, err
	}
	m.audit(ctx, accountID, threadID, models.EventSentDetected, "draft no longer exists, marking as sent", conv.DraftID)
	_ = m.bus.PublishJSON(events.EventConversationSent, events.ConversationEventPayload{
		AccountID: accountID, ThreadID: threadID, Status: models.ConversationSent, DraftID: conv.DraftID,
	})

	m.logger.Info().Int64("account_id", accountID).Str("thread_id", threadID).Msg("detected sent draft")
	return true, nil
}

// HandleWaitingRetriage removes the waiting label when a new reply
// arrived, so the next feed pass reclassifies the thread.
func (m *Manager) HandleWaitingRetriage(ctx context.Context, accountID int64, threadID string, client mail.Client) (bool, error) {
	conv, err := m.db.GetConversationByThread(ctx, accountID, threadID)
	if err != nil || conv == nil {
		return false, err
	}

	thread, err := client.FetchThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(thread.Messages) <= conv.MessageCount {
		// No new messages.
		return false, nil
	}

	labels, err := m.db.GetLabels(ctx, accountID)
	if err != nil {
		return false, err
	}
	if waiting, ok := labels[models.LabelWaiting]; ok {
		if err := client.ModifyLabels(ctx, messageIDs(thread), nil, []string{waiting}); err != nil {
			return false, err
		}
	}

	if err := m.db.UpdateMessageCount(ctx, accountID, threadID, len(thread.Messages)); err != nil {
		return false, err
	}
	m.audit(ctx, accountID, threadID, models.EventWaitingRetriage,
		fmt.Sprintf("new reply detected (%d vs stored %d), removed waiting label", len(thread.Messages), conv.MessageCount), "")

	m.logger.Info().Int64("account_id", accountID).Str("thread_id", threadID).Msg("retriaged waiting thread")
	return true, nil
}

// HandleRework regenerates the draft from user feedback. At the rework
// cap the conversation is skipped without any collaborator call.
func (m *Manager) HandleRework(ctx context.Context, accountID int64, threadID string, client mail.Client) (bool, error) {
	conv, err := m.db.GetConversationByThread(ctx, accountID, threadID)
	if err != nil || conv == nil {
		return false, err
	}
	if conv.TerminalStatus() {
		return false, nil
	}

	labels, err := m.db.GetLabels(ctx, accountID)
	if err != nil {
		return false, err
	}

	if conv.ReworkCount >= models.MaxReworkCount {
		return m.skipAtCap(ctx, accountID, threadID, labels, client)
	}

	// Current draft carries the user instruction above the marker.
	currentBody := ""
	if conv.DraftID != "" {
		if draft, err := client.GetDraft(ctx, conv.DraftID); err == nil && draft != nil {
			currentBody = draft.Body
		}
	}
	instruction, oldDraft := assist.ExtractInstruction(currentBody)
	if instruction == "" {
		instruction = "(no specific instruction provided)"
	}

	thread, err := client.FetchThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if len(thread.Messages) == 0 {
		return false, nil
	}

	newBody, err := m.collab.ReworkDraft(ctx, assist.ReworkRequest{
		SenderEmail:  conv.SenderEmail,
		SenderName:   conv.SenderName,
		Subject:      conv.Subject,
		ThreadBody:   threadBody(thread),
		Style:        conv.ResolvedStyle,
		CurrentDraft: oldDraft,
		Instruction:  instruction,
		ReworkCount:  conv.ReworkCount,
	})
	if err != nil {
		return false, fmt.Errorf("rework draft for thread %s: %w", threadID, err)
	}

	lastRework := conv.ReworkCount+1 >= models.MaxReworkCount
	if lastRework {
		newBody = assist.PrependFinalNotice(newBody)
	}
	newBody = assist.WrapWithMarker(newBody)

	if conv.DraftID != "" {
		if err := client.TrashDraft(ctx, conv.DraftID); err != nil {
			return false, err
		}
		m.audit(ctx, accountID, threadID, models.EventDraftTrashed, "old draft trashed for rework", conv.DraftID)
	}

	newDraftID, err := client.CreateDraft(ctx, mail.DraftContent{
		ThreadID:  threadID,
		To:        conv.SenderEmail,
		Subject:   conv.Subject,
		Body:      newBody,
		InReplyTo: conv.MessageID,
	})
	if err != nil {
		return false, fmt.Errorf("create reworked draft: %w", err)
	}

	// Move label rework → outbox, or action required on the last pass.
	targetKey := models.LabelOutbox
	if lastRework {
		targetKey = models.LabelActionRequired
	}
	if rework, ok := labels[models.LabelRework]; ok {
		if target, ok := labels[targetKey]; ok {
			if err := client.ModifyLabels(ctx, messageIDs(thread), []string{target}, []string{rework}); err != nil {
				return false, err
			}
		}
	}

	if err := m.db.IncrementRework(ctx, accountID, threadID, newDraftID, instruction); err != nil {
		return false, err
	}
	detail := fmt.Sprintf("rework #%d: %s", conv.ReworkCount+1, truncate(instruction, 100))
	m.audit(ctx, accountID, threadID, models.EventDraftReworked, detail, newDraftID)
	_ = m.bus.PublishJSON(events.EventDraftReworked, events.ConversationEventPayload{
		AccountID: accountID, ThreadID: threadID, Status: models.ConversationDrafted,
		DraftID: newDraftID, ReworkCount: conv.ReworkCount + 1, Detail: instruction,
	})

	m.logger.Info().
		Int64("account_id", accountID).
		Str("thread_id", threadID).
		Int("rework", conv.ReworkCount+1).
		Msg("reworked draft")
	return true, nil
}

// skipAtCap moves the thread to action required without drafting.
func (m *Manager) skipAtCap(ctx context.Context, accountID int64, threadID string, labels map[string]string, client mail.Client) (bool, error) {
	rework, hasRework := labels[models.LabelRework]
	action, hasAction := labels[models.LabelActionRequired]
	if hasRework && hasAction {
		thread, err := client.FetchThread(ctx, threadID)
		if err != nil && !errors.Is(err, mail.ErrNotFound) {
			return false, err
		}
		if thread != nil {
			if err := client.ModifyLabels(ctx, messageIDs(thread), []string{action}, []string{rework}); err != nil {
				return false, err
			}
		}
	}

	if err := m.db.UpdateConversationStatus(ctx, accountID, threadID, models.ConversationSkipped); err != nil {
		return false, err
	}
	m.audit(ctx, accountID, threadID, models.EventReworkLimit,
		fmt.Sprintf("rework limit (%d) exceeded, moved to action required", models.MaxReworkCount), "")
	_ = m.bus.PublishJSON(events.EventConversationSkipped, events.ConversationEventPayload{
		AccountID: accountID, ThreadID: threadID, Status: models.ConversationSkipped,
	})

	m.logger.Warn().Int64("account_id", accountID).Str("thread_id", threadID).Msg("rework limit reached")
	return true, nil
}

func (m *Manager) audit(ctx context.Context, accountID int64, threadID, eventType, detail, draftID string) {
	err := m.db.LogEvent(ctx, &models.Event{
		AccountID: accountID,
		ThreadID:  threadID,
		EventType: eventType,
		Detail:    detail,
		DraftID:   draftID,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("event", eventType).Msg("failed to log audit event")
	}
}

func messageIDs(t *mail.Thread) []string {
	ids := make([]string, 0, len(t.Messages))
	for _, msg := range t.Messages {
		ids = append(ids, msg.ID)
	}
	return ids
}

// threadBody joins message bodies, each capped, for collaborator context.
func threadBody(t *mail.Thread) string {
	parts := make([]string, 0, len(t.Messages))
	for _, msg := range t.Messages {
		parts = append(parts, truncate(msg.Body, 1000))
	}
	return strings.Join(parts, "\n---\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
