package feed

import (
	"context"
	"path/filepath"
	"testing"

	"inboxpilot/internal/database"
	"inboxpilot/internal/events"
	"inboxpilot/internal/mail"
	"inboxpilot/internal/models"
	"inboxpilot/internal/routing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeedMail serves canned history records and search results.
type fakeFeedMail struct {
	records      []mail.ChangeRecord
	head         string
	staleCursor  bool
	searchResult []mail.Message
	messages     map[string]*mail.Message
	profile      mail.Profile
}

func (f *fakeFeedMail) FetchMessage(_ context.Context, id string) (*mail.Message, error) {
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return nil, mail.ErrNotFound
}

func (f *fakeFeedMail) FetchThread(context.Context, string) (*mail.Thread, error) {
	return nil, mail.ErrNotFound
}

func (f *fakeFeedMail) ListChangesSince(context.Context, string) ([]mail.ChangeRecord, string, error) {
	if f.staleCursor {
		return nil, "", mail.ErrStaleCursor
	}
	return f.records, f.head, nil
}

func (f *fakeFeedMail) Search(context.Context, string) ([]mail.Message, error) {
	return f.searchResult, nil
}

func (f *fakeFeedMail) ModifyLabels(context.Context, []string, []string, []string) error { return nil }

func (f *fakeFeedMail) CreateDraft(context.Context, mail.DraftContent) (string, error) {
	return "", nil
}

func (f *fakeFeedMail) TrashDraft(context.Context, string) error           { return nil }
func (f *fakeFeedMail) GetDraft(context.Context, string) (*mail.Draft, error) { return nil, nil }

func (f *fakeFeedMail) ThreadDraft(context.Context, string) (*mail.Draft, error) {
	return nil, nil
}

func (f *fakeFeedMail) TrashThreadDrafts(context.Context, string) (int, error) { return 0, nil }

func (f *fakeFeedMail) GetProfile(context.Context) (*mail.Profile, error) {
	p := f.profile
	return &p, nil
}

func (f *fakeFeedMail) Watch(context.Context, string, []string) (*mail.WatchResponse, error) {
	return &mail.WatchResponse{HistoryID: f.profile.HistoryID}, nil
}

func (f *fakeFeedMail) EnsureLabels(context.Context, []string) (map[string]string, error) {
	return nil, nil
}

func setupEngine(t *testing.T, rules []routing.Rule) (*Engine, *database.DB) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.SetLabel(ctx, 1, models.LabelDone, "L_done", "AI/Done"))
	require.NoError(t, db.SetLabel(ctx, 1, models.LabelRework, "L_rework", "AI/Rework"))
	require.NoError(t, db.SetLabel(ctx, 1, models.LabelNeedsResponse, "L_nr", "AI/Needs Response"))
	require.NoError(t, db.SetLabel(ctx, 1, models.LabelOutbox, "L_outbox", "AI/Outbox"))

	router, err := routing.NewRouter(rules, zerolog.Nop())
	require.NoError(t, err)

	return NewEngine(db, router, events.NewEventBus(), 3, zerolog.Nop()), db
}

func countJobs(t *testing.T, db *database.DB, jobType string) int {
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

func TestIncrementalSyncEnqueuesClassify(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, db.UpsertCursor(ctx, 1, "100"))

	client := &fakeFeedMail{
		head: "150",
		records: []mail.ChangeRecord{
			{
				HistoryID: "150",
				Added: []mail.MessageRef{
					{MessageID: "m1", ThreadID: "t1", LabelIDs: []string{"INBOX"}},
					{MessageID: "m2", ThreadID: "t2", LabelIDs: []string{"SENT"}},
				},
			},
		},
	}

	result, err := engine.SyncAccount(ctx, 1, client, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewMessages, "non-INBOX additions are ignored")
	assert.Equal(t, 1, countJobs(t, db, models.JobClassify))

	cursor, err := db.GetCursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "150", cursor.LastHistoryID)
}

// Two label events for different messages of one thread in one batch
// collapse to a single rework job.
func TestReworkLabelDedupWithinPass(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, db.UpsertCursor(ctx, 1, "100"))

	client := &fakeFeedMail{
		head: "160",
		records: []mail.ChangeRecord{
			{LabelsAdded: []mail.LabelChange{
				{MessageID: "mA", ThreadID: "T", LabelIDs: []string{"L_rework"}},
			}},
			{LabelsAdded: []mail.LabelChange{
				{MessageID: "mB", ThreadID: "T", LabelIDs: []string{"L_rework"}},
			}},
		},
	}

	result, err := engine.SyncAccount(ctx, 1, client, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.JobsQueued)
	assert.Equal(t, 1, countJobs(t, db, models.JobRework))
}

func TestDoneAndManualDraftLabels(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, db.UpsertCursor(ctx, 1, "100"))

	client := &fakeFeedMail{
		head: "170",
		records: []mail.ChangeRecord{
			{LabelsAdded: []mail.LabelChange{
				{MessageID: "m1", ThreadID: "t1", LabelIDs: []string{"L_done"}},
				{MessageID: "m2", ThreadID: "t2", LabelIDs: []string{"L_nr"}},
			}},
			{Deleted: []mail.MessageRef{
				{MessageID: "m3", ThreadID: "t3"},
			}},
		},
	}

	_, err := engine.SyncAccount(ctx, 1, client, "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, countJobs(t, db, models.JobCleanup), "done + check_sent")
	assert.Equal(t, 1, countJobs(t, db, models.JobManualDraft))
}

func TestAgentRouting(t *testing.T) {
	engine, db := setupEngine(t, []routing.Rule{
		{
			Name:    "helpdesk",
			Route:   routing.RouteAgent,
			Profile: "support",
			Match:   routing.Match{SenderDomain: "helpdesk.example.com"},
		},
	})
	ctx := context.Background()
	require.NoError(t, db.UpsertCursor(ctx, 1, "100"))

	client := &fakeFeedMail{
		head: "180",
		records: []mail.ChangeRecord{
			{Added: []mail.MessageRef{
				{MessageID: "m1", ThreadID: "t1", LabelIDs: []string{"INBOX"}},
				{MessageID: "m2", ThreadID: "t2", LabelIDs: []string{"INBOX"}},
			}},
		},
		messages: map[string]*mail.Message{
			"m1": {ID: "m1", ThreadID: "t1", From: "bot@helpdesk.example.com"},
			"m2": {ID: "m2", ThreadID: "t2", From: "alice@other.com"},
		},
	}

	_, err := engine.SyncAccount(ctx, 1, client, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, countJobs(t, db, models.JobAgentProcess))
	assert.Equal(t, 1, countJobs(t, db, models.JobClassify))
}

func TestStaleCursorFallsBackToFullSync(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, db.UpsertCursor(ctx, 1, "42"))

	client := &fakeFeedMail{
		staleCursor: true,
		searchResult: []mail.Message{
			{ID: "m1", ThreadID: "t1"},
		},
		profile: mail.Profile{Email: "o@example.com", HistoryID: "9000"},
	}

	result, err := engine.SyncAccount(ctx, 1, client, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewMessages)
	assert.Equal(t, 1, countJobs(t, db, models.JobClassify))

	cursor, err := db.GetCursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "9000", cursor.LastHistoryID, "full sync resets cursor to provider head")
}

func TestMissingCursorTriggersFullSync(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()

	client := &fakeFeedMail{
		searchResult: []mail.Message{{ID: "m1", ThreadID: "t1"}},
		profile:      mail.Profile{HistoryID: "500"},
	}

	_, err := engine.SyncAccount(ctx, 1, client, "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, countJobs(t, db, models.JobClassify))
}

// Running full reconciliation twice with no mailbox changes enqueues
// nothing on the second run.
func TestFullSyncIdempotent(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()

	client := &fakeFeedMail{
		searchResult: []mail.Message{
			{ID: "m1", ThreadID: "t1"},
			{ID: "m2", ThreadID: "t2"},
		},
		profile: mail.Profile{HistoryID: "700"},
	}

	first, err := engine.FullSync(ctx, 1, client)
	require.NoError(t, err)
	assert.Equal(t, 2, first.JobsQueued)

	second, err := engine.FullSync(ctx, 1, client)
	require.NoError(t, err)
	assert.Zero(t, second.JobsQueued)
	assert.Equal(t, 2, countJobs(t, db, models.JobClassify))
}

func TestFullSyncSkipsKnownConversations(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, db.UpsertConversation(ctx, &models.Conversation{
		AccountID: 1, ThreadID: "t1", MessageID: "m0",
		SenderEmail: "a@example.com", Classification: models.CategoryFYI,
	}))

	client := &fakeFeedMail{
		searchResult: []mail.Message{
			{ID: "m1", ThreadID: "t1"},
			{ID: "m2", ThreadID: "t2"},
		},
		profile: mail.Profile{HistoryID: "800"},
	}

	result, err := engine.FullSync(ctx, 1, client)
	require.NoError(t, err)
	assert.Equal(t, 1, result.JobsQueued, "known thread t1 is skipped")
}

func TestEmptyBatchAdvancesToNotifiedHistoryID(t *testing.T) {
	engine, db := setupEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, db.UpsertCursor(ctx, 1, "100"))

	client := &fakeFeedMail{head: "100"}

	result, err := engine.SyncAccount(ctx, 1, client, "130", false)
	require.NoError(t, err)
	assert.Zero(t, result.JobsQueued)

	cursor, err := db.GetCursor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "130", cursor.LastHistoryID)
}

func TestWatchManagerRenew(t *testing.T) {
	engine, db := setupEngine(t, nil)
	_ = engine
	ctx := context.Background()

	wm := NewWatchManager(db, "projects/x/topics/mail", zerolog.Nop())
	client := &fakeFeedMail{profile: mail.Profile{HistoryID: "300"}}

	require.NoError(t, wm.Renew(ctx, 1, client))

	cursor, err := db.GetCursor(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, cursor, "renew seeds the cursor for a fresh account")
	assert.Equal(t, "300", cursor.LastHistoryID)
	assert.True(t, cursor.WatchResourceID.Valid)
}

func TestWatchManagerNoTopic(t *testing.T) {
	_, db := setupEngine(t, nil)
	wm := NewWatchManager(db, "", zerolog.Nop())
	require.NoError(t, wm.Renew(context.Background(), 1, &fakeFeedMail{}))
}
