package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"inboxpilot/internal/assist"
	"inboxpilot/internal/database"
	"inboxpilot/internal/events"
	"inboxpilot/internal/feed"
	"inboxpilot/internal/lifecycle"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type labelCall struct {
	ids    []string
	add    []string
	remove []string
}

// fakeMailbox is an in-memory mail.Client shared by the handler tests.
type fakeMailbox struct {
	threads    map[string]*mail.Thread
	drafts     map[string]*mail.Draft
	labelCalls []labelCall
	nextDraft  int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		threads: make(map[string]*mail.Thread),
		drafts:  make(map[string]*mail.Draft),
	}
}

func (f *fakeMailbox) FetchMessage(_ context.Context, id string) (*mail.Message, error) {
	for _, t := range f.threads {
		for i := range t.Messages {
			if t.Messages[i].ID == id {
				return &t.Messages[i], nil
			}
		}
	}
	return nil, mail.ErrNotFound
}

func (f *fakeMailbox) FetchThread(_ context.Context, id string) (*mail.Thread, error) {
	t, ok := f.threads[id]
	if !ok {
		return nil, mail.ErrNotFound
	}
	return t, nil
}

func (f *fakeMailbox) ListChangesSince(context.Context, string) ([]mail.ChangeRecord, string, error) {
	return nil, "", nil
}

func (f *fakeMailbox) Search(context.Context, string) ([]mail.Message, error) { return nil, nil }

func (f *fakeMailbox) ModifyLabels(_ context.Context, ids []string, add, remove []string) error {
	f.labelCalls = append(f.labelCalls, labelCall{ids: ids, add: add, remove: remove})
	return nil
}

func (f *fakeMailbox) CreateDraft(_ context.Context, content mail.DraftContent) (string, error) {
	f.nextDraft++
	id := fmt.Sprintf("draft-%d", f.nextDraft)
	f.drafts[id] = &mail.Draft{ID: id, ThreadID: content.ThreadID, Body: content.Body}
	return id, nil
}

func (f *fakeMailbox) TrashDraft(_ context.Context, id string) error {
	delete(f.drafts, id)
	return nil
}

func (f *fakeMailbox) GetDraft(_ context.Context, id string) (*mail.Draft, error) {
	return f.drafts[id], nil
}

func (f *fakeMailbox) ThreadDraft(_ context.Context, threadID string) (*mail.Draft, error) {
	for _, d := range f.drafts {
		if d.ThreadID == threadID {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeMailbox) TrashThreadDrafts(_ context.Context, threadID string) (int, error) {
	n := 0
	for id, d := range f.drafts {
		if d.ThreadID == threadID {
			delete(f.drafts, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeMailbox) GetProfile(context.Context) (*mail.Profile, error) {
	return &mail.Profile{Email: "owner@example.com", HistoryID: "1"}, nil
}

func (f *fakeMailbox) Watch(context.Context, string, []string) (*mail.WatchResponse, error) {
	return &mail.WatchResponse{HistoryID: "1"}, nil
}

func (f *fakeMailbox) EnsureLabels(context.Context, []string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeMailbox) addedLabels() []string {
	var out []string
	for _, c := range f.labelCalls {
		out = append(out, c.add...)
	}
	return out
}

func (f *fakeMailbox) removedLabels() []string {
	var out []string
	for _, c := range f.labelCalls {
		out = append(out, c.remove...)
	}
	return out
}

func (f *fakeMailbox) seedThread(threadID string, n int) {
	t := &mail.Thread{ID: threadID}
	for i := 1; i <= n; i++ {
		t.Messages = append(t.Messages, mail.Message{
			ID:           fmt.Sprintf("%s-m%d", threadID, i),
			ThreadID:     threadID,
			From:         "alice@example.com",
			FromName:     "Alice",
			Subject:      "Invoice question",
			Snippet:      "quick question about",
			Body:         fmt.Sprintf("message %d", i),
			MessageIDHdr: fmt.Sprintf("<%s-m%d@example.com>", threadID, i),
		})
	}
	f.threads[threadID] = t
}

type staticClients struct {
	client mail.Client
}

func (s staticClients) ClientFor(context.Context, int64) (mail.Client, error) {
	return s.client, nil
}

type scriptedCollab struct {
	classification assist.Classification
	draftBody      string

	classifyCalls int
	draftCalls    int
	lastDraft     assist.DraftRequest
}

func (s *scriptedCollab) Classify(context.Context, assist.ClassifyRequest) (assist.Classification, error) {
	s.classifyCalls++
	return s.classification, nil
}

func (s *scriptedCollab) GenerateDraft(_ context.Context, req assist.DraftRequest) (string, error) {
	s.draftCalls++
	s.lastDraft = req
	return s.draftBody, nil
}

func (s *scriptedCollab) ReworkDraft(context.Context, assist.ReworkRequest) (string, error) {
	return "reworked", nil
}

func setupHandlers(t *testing.T) (*Handlers, *database.DB, *fakeMailbox, *scriptedCollab) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for i, key := range models.ManagedLabelKeys {
		require.NoError(t, db.SetLabel(ctx, 1, key, fmt.Sprintf("Label_%d", i+1), "AI/"+key))
	}

	fm := newFakeMailbox()
	fc := &scriptedCollab{
		classification: assist.Classification{
			Category:   models.CategoryNeedsResponse,
			Confidence: "high",
			Style:      "business",
			Reasoning:  "direct question",
		},
		draftBody: "generated reply",
	}
	bus := events.NewEventBus()
	lc := lifecycle.NewManager(db, fc, bus, zerolog.Nop())
	engine := feed.NewEngine(db, nil, bus, 3, zerolog.Nop())
	h := NewHandlers(db, staticClients{fm}, fc, lc, engine, bus, zerolog.Nop())
	return h, db, fm, fc
}

func makeJob(t *testing.T, jobType string, payload models.Payload) *models.Job {
	t.Helper()
	raw, err := models.EncodePayload(jobType, payload)
	require.NoError(t, err)
	return &models.Job{ID: 1, JobType: jobType, AccountID: 1, Payload: raw, MaxAttempts: models.DefaultMaxAttempts}
}

func countJobsOfType(t *testing.T, db *database.DB, jobType string) int {
	t.Helper()
	rows, err := db.QueryContext(context.Background(),
		`SELECT COUNT(*) FROM jobs WHERE job_type = ?`, jobType)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func TestClassifyCreatesConversationAndChainsDraft(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)

	job := makeJob(t, models.JobClassify, &models.ClassifyPayload{MessageID: "t1-m1", ThreadID: "t1"})
	require.NoError(t, h.handleClassify(ctx, job))

	assert.Equal(t, 1, fc.classifyCalls)

	conv, err := db.GetConversationByThread(ctx, 1, "t1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, models.ConversationPending, conv.Status)
	assert.Equal(t, models.CategoryNeedsResponse, conv.Classification)
	assert.Equal(t, "alice@example.com", conv.SenderEmail)
	assert.Equal(t, "business", conv.ResolvedStyle)

	// Category label applied to the message.
	labels, _ := db.GetLabels(ctx, 1)
	assert.Contains(t, fm.addedLabels(), labels[models.LabelNeedsResponse])

	// needs_response chains a draft job.
	assert.Equal(t, 1, countJobsOfType(t, db, models.JobDraft))
}

func TestClassifyUnrecognizedCategoryFallsBack(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	fc.classification = assist.Classification{Category: "spam_maybe", Confidence: "low"}

	job := makeJob(t, models.JobClassify, &models.ClassifyPayload{MessageID: "t1-m1", ThreadID: "t1"})
	require.NoError(t, h.handleClassify(ctx, job))

	conv, err := db.GetConversationByThread(ctx, 1, "t1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, models.CategoryActionRequired, conv.Classification)
	assert.Zero(t, countJobsOfType(t, db, models.JobDraft), "only needs_response chains a draft")
}

func TestClassifyVanishedMessageIsNoop(t *testing.T) {
	h, db, _, fc := setupHandlers(t)
	ctx := context.Background()

	job := makeJob(t, models.JobClassify, &models.ClassifyPayload{MessageID: "gone", ThreadID: "t1"})
	require.NoError(t, h.handleClassify(ctx, job))

	assert.Zero(t, fc.classifyCalls)
	conv, err := db.GetConversationByThread(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestClassifyKnownThreadSkipsCollaborator(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "alice@example.com", Classification: models.CategoryFYI, MessageCount: 1,
	}))

	job := makeJob(t, models.JobClassify, &models.ClassifyPayload{MessageID: "t1-m1", ThreadID: "t1"})
	require.NoError(t, h.handleClassify(ctx, job))

	assert.Zero(t, fc.classifyCalls, "known thread is not re-triaged")
}

func TestDraftHandlerCreatesWrappedDraft(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 2)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "<t1-m1@example.com>",
		SenderEmail: "alice@example.com", SenderName: "Alice", Subject: "Invoice question",
		Classification: models.CategoryNeedsResponse, ResolvedStyle: "business", MessageCount: 2,
	}))

	job := makeJob(t, models.JobDraft, &models.DraftPayload{ThreadID: "t1", MessageID: "t1-m1"})
	require.NoError(t, h.handleDraft(ctx, job))

	assert.Equal(t, 1, fc.draftCalls)
	assert.Equal(t, "business", fc.lastDraft.Style)
	assert.Contains(t, fc.lastDraft.ThreadBody, "message 1")

	conv, err := db.GetConversationByThread(ctx, 1, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDrafted, conv.Status)
	require.NotEmpty(t, conv.DraftID)

	draft := fm.drafts[conv.DraftID]
	require.NotNil(t, draft)
	assert.Contains(t, draft.Body, "generated reply")
	assert.Contains(t, draft.Body, assist.ReworkMarker)

	labels, _ := db.GetLabels(ctx, 1)
	assert.Contains(t, fm.addedLabels(), labels[models.LabelOutbox])
	assert.Contains(t, fm.removedLabels(), labels[models.LabelNeedsResponse])
}

func TestDraftHandlerSkipsNonPending(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "alice@example.com", Classification: models.CategoryNeedsResponse, MessageCount: 1,
	}))
	require.NoError(t, db.UpdateConversationStatus(ctx, 1, "t1", models.ConversationSent))

	job := makeJob(t, models.JobDraft, &models.DraftPayload{ThreadID: "t1"})
	require.NoError(t, h.handleDraft(ctx, job))

	assert.Zero(t, fc.draftCalls)
}

func TestCleanupDoneArchives(t *testing.T) {
	h, db, fm, _ := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "alice@example.com", Classification: models.CategoryFYI, MessageCount: 1,
	}))

	job := makeJob(t, models.JobCleanup, &models.CleanupPayload{Action: models.CleanupDone, ThreadID: "t1"})
	require.NoError(t, h.handleCleanup(ctx, job))

	conv, _ := db.GetConversationByThread(ctx, 1, "t1")
	assert.Equal(t, models.ConversationArchived, conv.Status)
	assert.Contains(t, fm.removedLabels(), "INBOX")
}

// check_sent rows written before thread ids were recorded carry only
// the message id; the handler resolves the thread itself.
func TestCleanupCheckSentResolvesThread(t *testing.T) {
	h, db, fm, _ := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "alice@example.com", Classification: models.CategoryNeedsResponse, MessageCount: 1,
	}))
	require.NoError(t, db.UpdateConversationDraft(ctx, 1, "t1", "d-sent"))
	// Draft d-sent does not exist in the mailbox: it was sent.

	job := makeJob(t, models.JobCleanup, &models.CleanupPayload{Action: models.CleanupCheckSent, MessageID: "t1-m1"})
	require.NoError(t, h.handleCleanup(ctx, job))

	conv, _ := db.GetConversationByThread(ctx, 1, "t1")
	assert.Equal(t, models.ConversationSent, conv.Status)
}

func TestReworkHandlerResolvesThread(t *testing.T) {
	h, db, fm, _ := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "alice@example.com", Classification: models.CategoryNeedsResponse,
		ResolvedStyle: "business", MessageCount: 1,
	}))
	require.NoError(t, db.UpdateConversationDraft(ctx, 1, "t1", "d1"))
	fm.drafts["d1"] = &mail.Draft{
		ID: "d1", ThreadID: "t1",
		Body: "shorter please\n\n" + assist.WrapWithMarker("old text"),
	}

	job := makeJob(t, models.JobRework, &models.ReworkPayload{MessageID: "t1-m1"})
	require.NoError(t, h.handleRework(ctx, job))

	conv, _ := db.GetConversationByThread(ctx, 1, "t1")
	assert.Equal(t, 1, conv.ReworkCount)
	assert.NotEqual(t, "d1", conv.DraftID)
}

func TestManualDraftUsesNoteAsInstructions(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	// User left a bare note draft on the thread before labeling it.
	fm.drafts["note"] = &mail.Draft{ID: "note", ThreadID: "t1", Body: "keep it formal"}

	job := makeJob(t, models.JobManualDraft, &models.ManualDraftPayload{MessageID: "t1-m1"})
	require.NoError(t, h.handleManualDraft(ctx, job))

	assert.Equal(t, 1, fc.draftCalls)
	assert.Equal(t, "keep it formal", fc.lastDraft.Instructions)

	conv, err := db.GetConversationByThread(ctx, 1, "t1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, models.ConversationDrafted, conv.Status)
	assert.Equal(t, models.CategoryNeedsResponse, conv.Classification)
	assert.Equal(t, "Manually requested by user", conv.Reasoning)

	// Note trashed, replaced by the generated draft.
	assert.Nil(t, fm.drafts["note"])
	draft := fm.drafts[conv.DraftID]
	require.NotNil(t, draft)
	assert.Contains(t, draft.Body, "generated reply")
}

func TestManualDraftSkipsDraftedConversation(t *testing.T) {
	h, db, fm, fc := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)
	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m1",
		SenderEmail: "alice@example.com", Classification: models.CategoryNeedsResponse, MessageCount: 1,
	}))
	require.NoError(t, db.UpdateConversationDraft(ctx, 1, "t1", "d1"))

	job := makeJob(t, models.JobManualDraft, &models.ManualDraftPayload{MessageID: "t1-m1"})
	require.NoError(t, h.handleManualDraft(ctx, job))

	assert.Zero(t, fc.draftCalls)
}

func TestAgentProcessWritesAuditTrail(t *testing.T) {
	h, db, fm, _ := setupHandlers(t)
	ctx := context.Background()
	fm.seedThread("t1", 1)

	job := makeJob(t, models.JobAgentProcess, &models.AgentProcessPayload{
		MessageID: "t1-m1", ThreadID: "t1", Profile: "helpdesk", RuleName: "support-domain",
	})
	require.NoError(t, h.handleAgentProcess(ctx, job))

	evs, err := db.GetThreadEvents(ctx, 1, "t1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventAgentRun, evs[0].EventType)
	assert.Contains(t, evs[0].Detail, "helpdesk")
	assert.Contains(t, evs[0].Detail, "support-domain")
}

func TestSyncHandlerRunsFeedPass(t *testing.T) {
	h, db, _, _ := setupHandlers(t)
	ctx := context.Background()
	// No cursor: the engine falls back to a full sync and resets the
	// cursor from the profile head.
	job := makeJob(t, models.JobSync, &models.SyncPayload{})
	require.NoError(t, h.handleSync(ctx, job))

	cursor, err := db.GetCursor(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "1", cursor.LastHistoryID)
}
