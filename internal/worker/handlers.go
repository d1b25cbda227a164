package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inboxpilot/internal/assist"
	"inboxpilot/internal/database"
	"inboxpilot/internal/events"
	"inboxpilot/internal/feed"
	"inboxpilot/internal/lifecycle"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/models"

	"github.com/rs/zerolog"
)

// ClientProvider resolves the mailbox client for an account. Each
// account authenticates separately, so handlers never hold a client
// directly.
type ClientProvider interface {
	ClientFor(ctx context.Context, accountID int64) (mail.Client, error)
}

// Handlers binds every job type to its implementation. One instance is
// shared by all workers; all state lives in the database.
type Handlers struct {
	db        *database.DB
	clients   ClientProvider
	collab    assist.Collaborator
	lifecycle *lifecycle.Manager
	engine    *feed.Engine
	bus       *events.EventBus
	pool      *Pool
	logger    zerolog.Logger
}

func NewHandlers(db *database.DB, clients ClientProvider, collab assist.Collaborator, lc *lifecycle.Manager, engine *feed.Engine, bus *events.EventBus, logger zerolog.Logger) *Handlers {
	return &Handlers{
		db:        db,
		clients:   clients,
		collab:    collab,
		lifecycle: lc,
		engine:    engine,
		bus:       bus,
		logger:    logger,
	}
}

// RegisterAll wires every handler into the pool. Chained jobs (classify
// enqueueing a draft) go through the pool so sleeping workers wake up.
func (h *Handlers) RegisterAll(p *Pool) {
	h.pool = p
	p.Register(models.JobSync, h.handleSync)
	p.Register(models.JobClassify, h.handleClassify)
	p.Register(models.JobDraft, h.handleDraft)
	p.Register(models.JobCleanup, h.handleCleanup)
	p.Register(models.JobRework, h.handleRework)
	p.Register(models.JobManualDraft, h.handleManualDraft)
	p.Register(models.JobAgentProcess, h.handleAgentProcess)
}

func (h *Handlers) enqueue(ctx context.Context, jobType string, accountID int64, payload models.Payload) error {
	if h.pool != nil {
		_, err := h.pool.Enqueue(ctx, jobType, accountID, payload)
		return err
	}
	_, err := h.db.EnqueueJob(ctx, jobType, accountID, payload)
	return err
}

func (h *Handlers) handleSync(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.SyncPayload)

	client, err := h.clients.ClientFor(ctx, job.AccountID)
	if err != nil {
		return err
	}
	_, err = h.engine.SyncAccount(ctx, job.AccountID, client, p.HistoryID, p.ForceFull)
	return err
}

func (h *Handlers) handleClassify(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.ClassifyPayload)

	client, err := h.clients.ClientFor(ctx, job.AccountID)
	if err != nil {
		return err
	}

	msg, err := client.FetchMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			// Deleted between feed pass and claim, nothing to triage.
			return nil
		}
		return err
	}

	conv, err := h.db.GetConversationByThread(ctx, job.AccountID, msg.ThreadID)
	if err != nil {
		return err
	}
	if conv != nil && !p.Force {
		// Known thread: the only automatic follow-up is waking a thread
		// parked as waiting when a new reply lands on it.
		_, err := h.lifecycle.HandleWaitingRetriage(ctx, job.AccountID, msg.ThreadID, client)
		return err
	}

	result, err := h.collab.Classify(ctx, assist.ClassifyRequest{
		SenderEmail:  msg.From,
		SenderName:   msg.FromName,
		Subject:      msg.Subject,
		Snippet:      msg.Snippet,
		ThreadBody:   msg.Body,
		MessageCount: 1,
	})
	if err != nil {
		metrics.IncAssistCall("classify", "error")
		return fmt.Errorf("classify message %s: %w", p.MessageID, err)
	}
	metrics.IncAssistCall("classify", "ok")

	category := normalizeCategory(result.Category)

	labels, err := h.db.GetLabels(ctx, job.AccountID)
	if err != nil {
		return err
	}
	if labelID, ok := labels[category]; ok {
		if err := client.ModifyLabels(ctx, []string{msg.ID}, []string{labelID}, nil); err != nil {
			return err
		}
	}

	err = h.db.UpsertConversation(ctx, &models.Conversation{
		AccountID:      job.AccountID,
		ThreadID:       msg.ThreadID,
		MessageID:      msg.MessageIDHdr,
		SenderEmail:    msg.From,
		SenderName:     msg.FromName,
		Subject:        msg.Subject,
		Snippet:        msg.Snippet,
		ReceivedAt:     msg.InternalDate.Format(time.RFC3339),
		Classification: category,
		Confidence:     result.Confidence,
		Reasoning:      result.Reasoning,
		ResolvedStyle:  result.Style,
		MessageCount:   1,
		Status:         models.ConversationPending,
	})
	if err != nil {
		return err
	}

	h.audit(ctx, job.AccountID, msg.ThreadID, models.EventClassified,
		fmt.Sprintf("%s (%s)", category, result.Confidence), "")
	_ = h.bus.PublishJSON(events.EventConversationClassified, events.ConversationEventPayload{
		AccountID: job.AccountID, ThreadID: msg.ThreadID, MessageID: msg.ID,
		Status: models.ConversationPending, Classification: category,
	})

	if category == models.CategoryNeedsResponse {
		err := h.enqueue(ctx, models.JobDraft, job.AccountID, &models.DraftPayload{
			ThreadID: msg.ThreadID, MessageID: msg.ID,
		})
		if err != nil {
			return err
		}
	}

	h.logger.Info().
		Int64("account_id", job.AccountID).
		Str("thread_id", msg.ThreadID).
		Str("category", category).
		Str("confidence", result.Confidence).
		Msg("classified message")
	return nil
}

func (h *Handlers) handleDraft(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.DraftPayload)

	conv, err := h.db.GetConversationByThread(ctx, job.AccountID, p.ThreadID)
	if err != nil {
		return err
	}
	if conv == nil || conv.Status != models.ConversationPending {
		// Already drafted, or a user action moved it on. Not an error.
		return nil
	}

	client, err := h.clients.ClientFor(ctx, job.AccountID)
	if err != nil {
		return err
	}

	thread, err := client.FetchThread(ctx, p.ThreadID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(thread.Messages) == 0 {
		return nil
	}

	body, err := h.collab.GenerateDraft(ctx, assist.DraftRequest{
		SenderEmail: conv.SenderEmail,
		SenderName:  conv.SenderName,
		Subject:     conv.Subject,
		ThreadBody:  joinThreadBody(thread),
		Style:       conv.ResolvedStyle,
	})
	if err != nil {
		metrics.IncAssistCall("draft", "error")
		return fmt.Errorf("generate draft for thread %s: %w", p.ThreadID, err)
	}
	metrics.IncAssistCall("draft", "ok")

	draftID, err := h.createWrappedDraft(ctx, client, conv, body)
	if err != nil {
		return err
	}

	if err := h.moveThreadLabels(ctx, client, job.AccountID, thread, models.LabelNeedsResponse, models.LabelOutbox); err != nil {
		return err
	}

	if err := h.db.UpdateConversationDraft(ctx, job.AccountID, p.ThreadID, draftID); err != nil {
		return err
	}
	h.audit(ctx, job.AccountID, p.ThreadID, models.EventDraftCreated,
		fmt.Sprintf("draft created with style: %s", conv.ResolvedStyle), draftID)
	_ = h.bus.PublishJSON(events.EventDraftCreated, events.ConversationEventPayload{
		AccountID: job.AccountID, ThreadID: p.ThreadID,
		Status: models.ConversationDrafted, DraftID: draftID,
	})

	h.logger.Info().
		Int64("account_id", job.AccountID).
		Str("thread_id", p.ThreadID).
		Str("draft_id", draftID).
		Msg("created draft")
	return nil
}

func (h *Handlers) handleCleanup(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.CleanupPayload)

	client, err := h.clients.ClientFor(ctx, job.AccountID)
	if err != nil {
		return err
	}

	switch p.Action {
	case models.CleanupDone:
		_, err := h.lifecycle.HandleDone(ctx, job.AccountID, p.ThreadID, client)
		return err

	case models.CleanupCheckSent:
		threadID := p.ThreadID
		if threadID == "" {
			// Older rows carry only the message id; resolve it. The message
			// being gone is expected here, it was just deleted.
			msg, err := client.FetchMessage(ctx, p.MessageID)
			if err != nil {
				if errors.Is(err, mail.ErrNotFound) {
					return nil
				}
				return err
			}
			threadID = msg.ThreadID
		}
		_, err := h.lifecycle.HandleSentDetection(ctx, job.AccountID, threadID, client)
		return err

	default:
		return fmt.Errorf("%w: unknown cleanup action %q", models.ErrInvalidPayload, p.Action)
	}
}

func (h *Handlers) handleRework(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.ReworkPayload)

	client, err := h.clients.ClientFor(ctx, job.AccountID)
	if err != nil {
		return err
	}

	msg, err := client.FetchMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return nil
		}
		return err
	}

	_, err = h.lifecycle.HandleRework(ctx, job.AccountID, msg.ThreadID, client)
	return err
}

// handleManualDraft drafts a reply for a thread the user labeled by
// hand. The pipeline never triaged it, so a conversation record is
// created here with a fixed classification. An existing draft on the
// thread is read as instructions, the way rework reads them.
func (h *Handlers) handleManualDraft(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.ManualDraftPayload)

	client, err := h.clients.ClientFor(ctx, job.AccountID)
	if err != nil {
		return err
	}

	msg, err := client.FetchMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return nil
		}
		return err
	}

	conv, err := h.db.GetConversationByThread(ctx, job.AccountID, msg.ThreadID)
	if err != nil {
		return err
	}
	if conv != nil && conv.Status != models.ConversationPending {
		// Drafted or terminal: the label add is a replay.
		return nil
	}

	instructions := ""
	if note, err := client.ThreadDraft(ctx, msg.ThreadID); err == nil && note != nil {
		extracted, _ := assist.ExtractInstruction(note.Body)
		if extracted != "" {
			instructions = extracted
		} else {
			instructions = strings.TrimSpace(note.Body)
		}
	}

	err = h.db.UpsertConversation(ctx, &models.Conversation{
		AccountID:      job.AccountID,
		ThreadID:       msg.ThreadID,
		MessageID:      msg.MessageIDHdr,
		SenderEmail:    msg.From,
		SenderName:     msg.FromName,
		Subject:        msg.Subject,
		Snippet:        msg.Snippet,
		ReceivedAt:     msg.InternalDate.Format(time.RFC3339),
		Classification: models.CategoryNeedsResponse,
		Confidence:     "high",
		Reasoning:      "Manually requested by user",
		MessageCount:   1,
		Status:         models.ConversationPending,
	})
	if err != nil {
		return err
	}
	conv, err = h.db.GetConversationByThread(ctx, job.AccountID, msg.ThreadID)
	if err != nil {
		return err
	}

	thread, err := client.FetchThread(ctx, msg.ThreadID)
	if err != nil {
		if errors.Is(err, mail.ErrNotFound) {
			return nil
		}
		return err
	}

	body, err := h.collab.GenerateDraft(ctx, assist.DraftRequest{
		SenderEmail:  conv.SenderEmail,
		SenderName:   conv.SenderName,
		Subject:      conv.Subject,
		ThreadBody:   joinThreadBody(thread),
		Style:        conv.ResolvedStyle,
		Instructions: instructions,
	})
	if err != nil {
		metrics.IncAssistCall("draft", "error")
		return fmt.Errorf("generate manual draft for thread %s: %w", msg.ThreadID, err)
	}
	metrics.IncAssistCall("draft", "ok")

	draftID, err := h.createWrappedDraft(ctx, client, conv, body)
	if err != nil {
		return err
	}

	if err := h.moveThreadLabels(ctx, client, job.AccountID, thread, models.LabelNeedsResponse, models.LabelOutbox); err != nil {
		return err
	}

	if err := h.db.UpdateConversationDraft(ctx, job.AccountID, msg.ThreadID, draftID); err != nil {
		return err
	}
	h.audit(ctx, job.AccountID, msg.ThreadID, models.EventDraftCreated, "manual draft created", draftID)
	_ = h.bus.PublishJSON(events.EventDraftCreated, events.ConversationEventPayload{
		AccountID: job.AccountID, ThreadID: msg.ThreadID,
		Status: models.ConversationDrafted, DraftID: draftID,
	})

	h.logger.Info().
		Int64("account_id", job.AccountID).
		Str("thread_id", msg.ThreadID).
		Str("draft_id", draftID).
		Msg("created manual draft")
	return nil
}

// handleAgentProcess records a routed hand-off. The agent profile runs
// outside this process; the audit row is what ties the message to it.
func (h *Handlers) handleAgentProcess(ctx context.Context, job *models.Job) error {
	payload, err := models.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return err
	}
	p := payload.(*models.AgentProcessPayload)

	threadID := p.ThreadID
	if threadID == "" {
		client, err := h.clients.ClientFor(ctx, job.AccountID)
		if err != nil {
			return err
		}
		msg, err := client.FetchMessage(ctx, p.MessageID)
		if err != nil {
			if errors.Is(err, mail.ErrNotFound) {
				return nil
			}
			return err
		}
		threadID = msg.ThreadID
	}

	detail := fmt.Sprintf("routed to agent profile %q", p.Profile)
	if p.RuleName != "" {
		detail += fmt.Sprintf(" by rule %q", p.RuleName)
	}
	h.audit(ctx, job.AccountID, threadID, models.EventAgentRun, detail, "")

	h.logger.Info().
		Int64("account_id", job.AccountID).
		Str("thread_id", threadID).
		Str("profile", p.Profile).
		Str("rule", p.RuleName).
		Msg("handed off to agent profile")
	return nil
}

// createWrappedDraft wraps the body with the rework marker and creates
// the provider draft as a reply to the triaged message.
func (h *Handlers) createWrappedDraft(ctx context.Context, client mail.Client, conv *models.Conversation, body string) (string, error) {
	if _, err := client.TrashThreadDrafts(ctx, conv.ThreadID); err != nil {
		return "", err
	}
	draftID, err := client.CreateDraft(ctx, mail.DraftContent{
		ThreadID:  conv.ThreadID,
		To:        conv.SenderEmail,
		Subject:   conv.Subject,
		Body:      assist.WrapWithMarker(body),
		InReplyTo: conv.MessageID,
	})
	if err != nil {
		return "", fmt.Errorf("create draft for thread %s: %w", conv.ThreadID, err)
	}
	return draftID, nil
}

func (h *Handlers) moveThreadLabels(ctx context.Context, client mail.Client, accountID int64, thread *mail.Thread, fromKey, toKey string) error {
	labels, err := h.db.GetLabels(ctx, accountID)
	if err != nil {
		return err
	}
	from, hasFrom := labels[fromKey]
	to, hasTo := labels[toKey]
	if !hasFrom || !hasTo {
		return nil
	}
	ids := make([]string, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		ids = append(ids, m.ID)
	}
	return client.ModifyLabels(ctx, ids, []string{to}, []string{from})
}

func (h *Handlers) audit(ctx context.Context, accountID int64, threadID, eventType, detail, draftID string) {
	err := h.db.LogEvent(ctx, &models.Event{
		AccountID: accountID,
		ThreadID:  threadID,
		EventType: eventType,
		Detail:    detail,
		DraftID:   draftID,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("event", eventType).Msg("failed to log audit event")
	}
}

// normalizeCategory maps anything the collaborator returns outside the
// known set to action required, so unrecognized verdicts surface to the
// user instead of vanishing.
func normalizeCategory(category string) string {
	switch category {
	case models.CategoryNeedsResponse, models.CategoryActionRequired,
		models.CategoryPaymentRequest, models.CategoryFYI, models.CategoryWaiting:
		return category
	}
	return models.CategoryActionRequired
}

func joinThreadBody(t *mail.Thread) string {
	parts := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		body := m.Body
		if len(body) > 1000 {
			body = body[:1000]
		}
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n---\n")
}
